// Package backend parses statically configured backends and discovery server lists.
package backend

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/felipepmaragno/llmmux/internal/domain"
)

// ParseStatic parses "name:host:port,..." into endpoints keyed by model name.
// Host and port are the last two segments, so model names may contain ':'
// (e.g. "llama3.2:latest:gpu1:8000"). Invalid entries are logged and skipped;
// a later entry for the same model replaces an earlier one.
func ParseStatic(spec string) map[string]domain.BackendEndpoint {
	backends := make(map[string]domain.BackendEndpoint)

	for _, entry := range splitList(spec) {
		parts := strings.Split(entry, ":")
		if len(parts) < 3 {
			slog.Warn("invalid backend entry, expected name:host:port", "entry", entry)
			continue
		}

		name := strings.Join(parts[:len(parts)-2], ":")
		host := parts[len(parts)-2]
		port, ok := parsePort(parts[len(parts)-1])
		if name == "" || host == "" || !ok {
			slog.Warn("invalid backend entry, expected name:host:port", "entry", entry)
			continue
		}

		backends[name] = domain.NewBackendEndpoint(name, host, port)
	}

	return backends
}

// ParseServers parses the discovery server list "host:port,...". When servers
// is empty the host:port pairs embedded in the static backend string are used
// instead, deduplicated by host and port in first-seen order.
func ParseServers(servers, legacyBackends string) []domain.ServerAddr {
	if strings.TrimSpace(servers) != "" {
		var out []domain.ServerAddr
		for _, entry := range splitList(servers) {
			host, portStr, found := strings.Cut(entry, ":")
			port, ok := parsePort(portStr)
			if !found || host == "" || !ok {
				slog.Warn("invalid discovery server entry, expected host:port", "entry", entry)
				continue
			}
			out = append(out, domain.ServerAddr{Host: host, Port: port})
		}
		return out
	}

	seen := make(map[domain.ServerAddr]bool)
	var out []domain.ServerAddr
	for _, entry := range splitList(legacyBackends) {
		parts := strings.Split(entry, ":")
		if len(parts) < 2 {
			continue
		}
		host := parts[len(parts)-2]
		port, ok := parsePort(parts[len(parts)-1])
		if host == "" || !ok {
			continue
		}
		addr := domain.ServerAddr{Host: host, Port: port}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parsePort(s string) (int, bool) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, false
	}
	return port, true
}
