package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// BackendEndpoint is the address of an OpenAI-compatible inference server for one model.
type BackendEndpoint struct {
	ModelName string `json:"model"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	BaseURL   string `json:"url"`
}

func NewBackendEndpoint(modelName, host string, port int) BackendEndpoint {
	return BackendEndpoint{
		ModelName: modelName,
		Host:      host,
		Port:      port,
		BaseURL:   fmt.Sprintf("http://%s:%d/v1", host, port),
	}
}

// ServerAddr is a host:port pair polled by discovery.
type ServerAddr struct {
	Host string
	Port int
}

func (s ServerAddr) String() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s ServerAddr) BaseURL() string {
	return fmt.Sprintf("http://%s:%d/v1", s.Host, s.Port)
}

type RequestKind string

const (
	KindChat       RequestKind = "chat"
	KindCompletion RequestKind = "completion"
)

// ProxyRequest carries the caller's body untouched; Model and Stream are read from it once.
type ProxyRequest struct {
	Kind     RequestKind
	Model    string
	Stream   bool
	Body     []byte
	APIKeyID string
}

func (r ProxyRequest) Path() string {
	if r.Kind == KindCompletion {
		return "/completions"
	}
	return "/chat/completions"
}

type ChatCompletionResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

type Choice struct {
	Index        int             `json:"index"`
	Message      ChatMessage     `json:"message"`
	Logprobs     json.RawMessage `json:"logprobs,omitempty"`
	FinishReason string          `json:"finish_reason"`
}

type ChatMessage struct {
	Role             string     `json:"role"`
	Content          *string    `json:"content"`
	ReasoningContent *string    `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ModelPermissions: with AllowAll, everything except DeniedModels; otherwise only AllowedModels.
type ModelPermissions struct {
	AllowAll      bool     `json:"allowAll"`
	AllowedModels []string `json:"allowedModels"`
	DeniedModels  []string `json:"deniedModels"`
}

func DefaultModelPermissions() ModelPermissions {
	return ModelPermissions{AllowAll: true, AllowedModels: []string{}, DeniedModels: []string{}}
}

type APIKey struct {
	ID           string           `json:"id"`
	KeyHash      string           `json:"-"`
	KeyPrefix    string           `json:"keyPrefix"`
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	Owner        string           `json:"owner,omitempty"`
	Tags         []string         `json:"tags"`
	RateLimitRPM int              `json:"rateLimitRpm,omitempty"`
	RateLimitRPD int              `json:"rateLimitRpd,omitempty"`
	IsActive     bool             `json:"isActive"`
	Permissions  ModelPermissions `json:"permissions"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	ExpiresAt    *time.Time       `json:"expiresAt,omitempty"`
	LastUsedAt   *time.Time       `json:"lastUsedAt,omitempty"`
}

// Usable reports whether the key is active and not expired at now.
func (k *APIKey) Usable(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.After(now)
}

type RoleName string

const (
	RoleUser       RoleName = "USER"
	RoleAdmin      RoleName = "ADMIN"
	RoleSuperAdmin RoleName = "SUPER_ADMIN"
)

// Rank orders roles for minimum-role checks. Unknown roles rank zero.
func (r RoleName) Rank() int {
	switch r {
	case RoleUser:
		return 1
	case RoleAdmin:
		return 2
	case RoleSuperAdmin:
		return 3
	default:
		return 0
	}
}

type Role struct {
	ID          string   `json:"id"`
	Name        RoleName `json:"name"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions"`
}

type RoleAssignment struct {
	Role       Role       `json:"role"`
	IsActive   bool       `json:"isActive"`
	AssignedAt time.Time  `json:"assignedAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

func (a RoleAssignment) Active(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

type User struct {
	ID           string           `json:"id"`
	Email        string           `json:"email"`
	Username     string           `json:"username"`
	PasswordHash string           `json:"-"`
	IsActive     bool             `json:"isActive"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	LastLogin    *time.Time       `json:"lastLogin,omitempty"`
	Roles        []RoleAssignment `json:"roles"`
}

// ActiveRoles returns the roles whose assignment is active and unexpired at now.
func (u *User) ActiveRoles(now time.Time) []Role {
	var roles []Role
	for _, a := range u.Roles {
		if a.Active(now) {
			roles = append(roles, a.Role)
		}
	}
	return roles
}

type CredentialKind string

const (
	CredentialAPIKey  CredentialKind = "api_key"
	CredentialSession CredentialKind = "session"
)

// Credential is a validated caller: an API key record or a user session.
type Credential struct {
	Kind        CredentialKind
	ID          string
	Name        string
	APIKey      *APIKey
	User        *User
	Roles       []RoleName
	Permissions []string
}

type UsageRecord struct {
	APIKeyID   string    `json:"apiKeyId"`
	Model      string    `json:"model"`
	Path       string    `json:"path"`
	StatusCode int       `json:"statusCode"`
	Success    bool      `json:"success"`
	Tokens     int       `json:"tokens"`
	LatencyMs  int64     `json:"latencyMs"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type APIKeyMetrics struct {
	APIKeyID           string    `json:"apiKeyId"`
	Model              string    `json:"model"`
	TotalRequests      int64     `json:"totalRequests"`
	SuccessfulRequests int64     `json:"successfulRequests"`
	FailedRequests     int64     `json:"failedRequests"`
	TotalTokens        int64     `json:"totalTokens"`
	AvgLatencyMs       float64   `json:"averageResponseTimeMs"`
	LastRequestAt      time.Time `json:"lastRequestAt"`
}

type UsageSummary struct {
	TotalAPIKeys       int64 `json:"totalApiKeys"`
	TotalRequests      int64 `json:"totalRequests"`
	SuccessfulRequests int64 `json:"successfulRequests"`
	FailedRequests     int64 `json:"failedRequests"`
	TotalTokens        int64 `json:"totalTokens"`
	UniqueModels       int64 `json:"uniqueModels"`
}
