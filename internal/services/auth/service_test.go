package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/domain"
)

// MockUserRepository is an in-memory UserRepository.
type MockUserRepository struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func NewMockUserRepository() *MockUserRepository {
	return &MockUserRepository{users: make(map[string]*domain.User)}
}

func (m *MockUserRepository) Create(ctx context.Context, user *domain.User) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username {
			return nil, domain.ErrAlreadyExists
		}
	}
	m.users[user.ID] = user.Clone()
	return user.Clone(), nil
}

func (m *MockUserRepository) Get(ctx context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return u.Clone(), nil
}

func (m *MockUserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return u.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockUserRepository) Update(ctx context.Context, user *domain.User) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; !ok {
		return nil, domain.ErrNotFound
	}
	m.users[user.ID] = user.Clone()
	return user.Clone(), nil
}

// MockSessionStore is an in-memory SessionStore.
type MockSessionStore struct {
	mu       sync.Mutex
	sessions map[string]string
}

func (m *MockSessionStore) SetSession(ctx context.Context, sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = userID
	return nil
}

func (m *MockSessionStore) GetSession(ctx context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sessions[sessionID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return id, nil
}

func (m *MockSessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// countingLimiter allows limit attempts per key.
type countingLimiter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (l *countingLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[key]++
	return l.counts[key] <= limit, nil
}

func newTestService(t *testing.T) (*Service, *MockUserRepository, *MockSessionStore) {
	t.Helper()
	cfg := testAuthConfig("test-secret-key-at-least-32-bytes-long")
	cfg.LoginRateLimit = 3
	cfg.LoginWindow = time.Minute

	users := NewMockUserRepository()
	sessions := &MockSessionStore{sessions: make(map[string]string)}
	limiter := &countingLimiter{counts: make(map[string]int64)}
	svc := NewService(users, sessions, limiter, NewJWTManager(cfg), cfg, zap.NewNop())

	if _, err := svc.CreateUser(context.Background(), "alice", "alice@example.com", "s3cret", domain.RoleOperator, false); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	return svc, users, sessions
}

func TestService_Login(t *testing.T) {
	svc, users, sessions := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Login(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if resp.User.Username != "alice" || resp.Tokens.AccessToken == "" {
		t.Errorf("unexpected response %+v", resp)
	}
	if got, _ := sessions.GetSession(ctx, resp.SessionID); got != resp.User.ID {
		t.Errorf("session user = %q, want %q", got, resp.User.ID)
	}
	stored, _ := users.GetByUsername(ctx, "alice")
	if stored.LastLogin == nil {
		t.Error("LastLogin not recorded")
	}

	user, err := svc.Authenticate(ctx, resp.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if user.ID != resp.User.ID || user.Role != domain.RoleOperator {
		t.Errorf("Authenticate() = %+v", user)
	}

	if err := svc.Logout(ctx, resp.SessionID); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := sessions.GetSession(ctx, resp.SessionID); !errors.Is(err, domain.ErrNotFound) {
		t.Error("session survived logout")
	}
}

func TestService_LoginFailures(t *testing.T) {
	svc, users, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password error = %v", err)
	}
	if _, err := svc.Login(ctx, "bob", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user error = %v", err)
	}

	alice, _ := users.GetByUsername(ctx, "alice")
	alice.Enabled = false
	_, _ = users.Update(ctx, alice)
	if _, err := svc.Login(ctx, "alice", "s3cret"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("disabled user error = %v", err)
	}
	_, _ = svc.Login(ctx, "alice", "s3cret")

	// fourth attempt for alice within the window
	if _, err := svc.Login(ctx, "alice", "s3cret"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("rate limit error = %v", err)
	}
}

func TestService_RefreshTokens(t *testing.T) {
	svc, users, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Login(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	tokens, err := svc.RefreshTokens(ctx, resp.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshTokens() error = %v", err)
	}
	if tokens.AccessToken == "" {
		t.Error("expected new access token")
	}

	alice, _ := users.GetByUsername(ctx, "alice")
	alice.Enabled = false
	_, _ = users.Update(ctx, alice)
	if _, err := svc.RefreshTokens(ctx, resp.Tokens.RefreshToken); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("refresh for disabled user error = %v", err)
	}
	if _, err := svc.Authenticate(ctx, resp.Tokens.AccessToken); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("authenticate disabled user error = %v", err)
	}
}

func TestService_EnsureAdmin(t *testing.T) {
	svc, users, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.EnsureAdmin(ctx, "admin", "admin"); err != nil {
		t.Fatalf("EnsureAdmin() error = %v", err)
	}
	if err := svc.EnsureAdmin(ctx, "admin", "other"); err != nil {
		t.Fatalf("second EnsureAdmin() error = %v", err)
	}
	admin, err := users.GetByUsername(ctx, "admin")
	if err != nil {
		t.Fatalf("admin not created: %v", err)
	}
	if !admin.IsSuperuser || admin.Role != domain.RoleAdmin {
		t.Errorf("admin = %+v", admin)
	}
	if _, err := svc.Login(ctx, "admin", "admin"); err != nil {
		t.Errorf("first password should still apply: %v", err)
	}
}
