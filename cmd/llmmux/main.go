// llmmux is an OpenAI-compatible gateway in front of a fleet of vLLM servers.
//
// Usage:
//
//	# Start the gateway
//	llmmux serve
//
//	# Apply the database schema
//	llmmux migrate
//
//	# Create the first administrator
//	llmmux create-admin --email ops@example.com --password '...'
package main

func main() {
	Execute()
}
