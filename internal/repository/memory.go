package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/felipepmaragno/llmmux/internal/domain"
)

type InMemoryAPIKeyRepository struct {
	mu     sync.RWMutex
	keys   map[string]*domain.APIKey
	byHash map[string]string
}

func NewInMemoryAPIKeyRepository() *InMemoryAPIKeyRepository {
	return &InMemoryAPIKeyRepository{
		keys:   make(map[string]*domain.APIKey),
		byHash: make(map[string]string),
	}
}

func (r *InMemoryAPIKeyRepository) Create(ctx context.Context, key *domain.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}
	key.UpdatedAt = now

	r.keys[key.ID] = cloneAPIKey(key)
	r.byHash[key.KeyHash] = key.ID
	return nil
}

func (r *InMemoryAPIKeyRepository) GetByID(ctx context.Context, id string) (*domain.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.keys[id]
	if !ok {
		return nil, domain.ErrAPIKeyNotFound
	}
	return cloneAPIKey(key), nil
}

func (r *InMemoryAPIKeyRepository) GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byHash[keyHash]
	if !ok {
		return nil, domain.ErrAPIKeyNotFound
	}
	key, ok := r.keys[id]
	if !ok {
		return nil, domain.ErrAPIKeyNotFound
	}
	return cloneAPIKey(key), nil
}

// List returns keys newest first.
func (r *InMemoryAPIKeyRepository) List(ctx context.Context) ([]*domain.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]*domain.APIKey, 0, len(r.keys))
	for _, k := range r.keys {
		keys = append(keys, cloneAPIKey(k))
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

func (r *InMemoryAPIKeyRepository) Update(ctx context.Context, key *domain.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.keys[key.ID]
	if !ok {
		return domain.ErrAPIKeyNotFound
	}

	updated := cloneAPIKey(key)
	updated.KeyHash = existing.KeyHash
	updated.KeyPrefix = existing.KeyPrefix
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now()
	r.keys[key.ID] = updated
	return nil
}

func (r *InMemoryAPIKeyRepository) UpdatePermissions(ctx context.Context, id string, perms domain.ModelPermissions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.keys[id]
	if !ok {
		return domain.ErrAPIKeyNotFound
	}
	key.Permissions = domain.ModelPermissions{
		AllowAll:      perms.AllowAll,
		AllowedModels: cloneStrings(perms.AllowedModels),
		DeniedModels:  cloneStrings(perms.DeniedModels),
	}
	key.UpdatedAt = time.Now()
	return nil
}

func (r *InMemoryAPIKeyRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.keys[id]
	if !ok {
		return domain.ErrAPIKeyNotFound
	}
	delete(r.byHash, key.KeyHash)
	delete(r.keys, id)
	return nil
}

func (r *InMemoryAPIKeyRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.keys[id]
	if !ok {
		return domain.ErrAPIKeyNotFound
	}
	key.LastUsedAt = &at
	return nil
}

func (r *InMemoryAPIKeyRepository) Count(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.keys)), nil
}

type InMemoryUserRepository struct {
	mu      sync.RWMutex
	users   map[string]*domain.User
	byEmail map[string]string
	roles   map[domain.RoleName]domain.Role
}

func NewInMemoryUserRepository() *InMemoryUserRepository {
	repo := &InMemoryUserRepository{
		users:   make(map[string]*domain.User),
		byEmail: make(map[string]string),
		roles:   make(map[domain.RoleName]domain.Role),
	}
	for _, role := range DefaultRoles() {
		repo.roles[role.Name] = role
	}
	return repo
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r *InMemoryUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return cloneUser(user), nil
}

func (r *InMemoryUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return cloneUser(r.users[id]), nil
}

func (r *InMemoryUserRepository) List(ctx context.Context) ([]*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]*domain.User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, cloneUser(u))
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.After(users[j].CreatedAt)
	})
	return users, nil
}

func (r *InMemoryUserRepository) Create(ctx context.Context, user *domain.User, roles []domain.RoleName) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	email := normalizeEmail(user.Email)
	if _, exists := r.byEmail[email]; exists {
		return domain.ErrEmailExists
	}

	now := time.Now()
	assignments := make([]domain.RoleAssignment, 0, len(roles))
	for _, name := range roles {
		role, ok := r.roles[name]
		if !ok {
			return domain.ErrRoleNotFound
		}
		assignments = append(assignments, domain.RoleAssignment{Role: role, IsActive: true, AssignedAt: now})
	}

	user.Email = email
	user.CreatedAt = now
	user.UpdatedAt = now
	user.Roles = assignments

	r.users[user.ID] = cloneUser(user)
	r.byEmail[email] = user.ID
	return nil
}

func (r *InMemoryUserRepository) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return domain.ErrUserNotFound
	}
	user.LastLogin = &at
	return nil
}

func (r *InMemoryUserRepository) GetRole(ctx context.Context, name domain.RoleName) (*domain.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	role, ok := r.roles[name]
	if !ok {
		return nil, domain.ErrRoleNotFound
	}
	role.Permissions = cloneStrings(role.Permissions)
	return &role, nil
}

// SetUserActive flips a user's active flag. Only the in-memory store exposes it; tests use it to
// exercise deactivated accounts.
func (r *InMemoryUserRepository) SetUserActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return domain.ErrUserNotFound
	}
	user.IsActive = active
	return nil
}

type InMemoryUsageRepository struct {
	mu      sync.Mutex
	keys    APIKeyRepository
	logs    []domain.UsageRecord
	metrics map[metricKey]*metricTotals
}

type metricKey struct {
	apiKeyID string
	model    string
}

type metricTotals struct {
	domain.APIKeyMetrics
	totalLatencyMs int64
}

// NewInMemoryUsageRepository counts keys through keys for the summary; it may be nil.
func NewInMemoryUsageRepository(keys APIKeyRepository) *InMemoryUsageRepository {
	return &InMemoryUsageRepository{
		keys:    keys,
		metrics: make(map[metricKey]*metricTotals),
	}
}

func (r *InMemoryUsageRepository) Record(ctx context.Context, rec domain.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	r.logs = append(r.logs, rec)

	mk := metricKey{apiKeyID: rec.APIKeyID, model: rec.Model}
	m, ok := r.metrics[mk]
	if !ok {
		m = &metricTotals{APIKeyMetrics: domain.APIKeyMetrics{APIKeyID: rec.APIKeyID, Model: rec.Model}}
		r.metrics[mk] = m
	}

	m.TotalRequests++
	if rec.Success {
		m.SuccessfulRequests++
	} else {
		m.FailedRequests++
	}
	m.TotalTokens += int64(rec.Tokens)
	m.totalLatencyMs += rec.LatencyMs
	m.AvgLatencyMs = float64(m.totalLatencyMs) / float64(m.TotalRequests)
	m.LastRequestAt = rec.Timestamp
	return nil
}

func (r *InMemoryUsageRepository) GetAPIKeyMetrics(ctx context.Context, apiKeyID string) ([]domain.APIKeyMetrics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.APIKeyMetrics
	for k, m := range r.metrics {
		if k.apiKeyID == apiKeyID {
			out = append(out, m.APIKeyMetrics)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

func (r *InMemoryUsageRepository) Summary(ctx context.Context) (*domain.UsageSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary := &domain.UsageSummary{}
	models := make(map[string]struct{})
	for k, m := range r.metrics {
		summary.TotalRequests += m.TotalRequests
		summary.SuccessfulRequests += m.SuccessfulRequests
		summary.FailedRequests += m.FailedRequests
		summary.TotalTokens += m.TotalTokens
		models[k.model] = struct{}{}
	}
	summary.UniqueModels = int64(len(models))

	if r.keys != nil {
		n, err := r.keys.Count(ctx)
		if err != nil {
			return nil, err
		}
		summary.TotalAPIKeys = n
	}
	return summary, nil
}

func (r *InMemoryUsageRepository) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.logs[:0]
	var removed int64
	for _, rec := range r.logs {
		if rec.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	r.logs = kept
	return removed, nil
}

// LogCount reports how many request logs are retained.
func (r *InMemoryUsageRepository) LogCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.logs)
}
