package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/circlecloud/circle/internal/config"
	"github.com/circlecloud/circle/internal/domain"
)

// ErrInvalidCredentials is returned for an unknown user or a wrong password.
var ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", domain.ErrUnauthorized)

// ErrRateLimited is returned when a user made too many login attempts.
var ErrRateLimited = fmt.Errorf("%w: too many login attempts", domain.ErrResourceExhausted)

// UserRepository defines the interface for user data access.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) (*domain.User, error)
	Get(ctx context.Context, id string) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	Update(ctx context.Context, user *domain.User) (*domain.User, error)
}

// SessionStore defines the interface for session storage (e.g., Redis).
type SessionStore interface {
	SetSession(ctx context.Context, sessionID string, userID string) error
	GetSession(ctx context.Context, sessionID string) (string, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// RateLimiter counts attempts per key inside a fixed window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, error)
}

// Service provides authentication and user management functionality.
type Service struct {
	users      UserRepository
	sessions   SessionStore
	limiter    RateLimiter
	jwtManager *JWTManager
	cfg        config.AuthConfig
	logger     *zap.Logger
}

// NewService creates a new auth service. sessions and limiter may be nil.
func NewService(
	users UserRepository,
	sessions SessionStore,
	limiter RateLimiter,
	jwtManager *JWTManager,
	cfg config.AuthConfig,
	logger *zap.Logger,
) *Service {
	return &Service{
		users:      users,
		sessions:   sessions,
		limiter:    limiter,
		jwtManager: jwtManager,
		cfg:        cfg,
		logger:     logger.With(zap.String("service", "auth")),
	}
}

// LoginResponse contains the result of a successful login.
type LoginResponse struct {
	User      *domain.User
	Tokens    *TokenPair
	SessionID string
}

// Login authenticates a user by password and returns tokens.
func (s *Service) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	logger := s.logger.With(zap.String("username", username))

	// Throttle per username; a limiter outage does not block logins
	if s.limiter != nil && s.cfg.LoginRateLimit > 0 {
		ok, err := s.limiter.Allow(ctx, "login:"+username, int64(s.cfg.LoginRateLimit), s.cfg.LoginWindow)
		if err != nil {
			logger.Warn("Rate limiter unavailable", zap.Error(err))
		} else if !ok {
			logger.Warn("Login rate limited")
			return nil, ErrRateLimited
		}
	}

	// Get user by username
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("Login failed: user not found")
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	// Check if user is enabled
	if !user.Enabled {
		logger.Warn("Login failed: user disabled")
		return nil, fmt.Errorf("%w: account is disabled", domain.ErrUnauthorized)
	}

	// Verify password
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		logger.Warn("Login failed: invalid password")
		return nil, ErrInvalidCredentials
	}

	// Generate tokens
	tokens, err := s.jwtManager.Generate(user)
	if err != nil {
		return nil, fmt.Errorf("failed to generate tokens: %w", err)
	}

	// Create session
	sessionID := newSessionID()
	if s.sessions != nil {
		if err := s.sessions.SetSession(ctx, sessionID, user.ID); err != nil {
			logger.Warn("Failed to create session", zap.Error(err))
		}
	}

	// Update last login time
	now := time.Now()
	user.LastLogin = &now
	if _, err := s.users.Update(ctx, user); err != nil {
		logger.Warn("Failed to update last login", zap.Error(err))
	}

	logger.Info("Login successful",
		zap.String("user_id", user.ID),
		zap.String("role", string(user.Role)),
	)

	return &LoginResponse{User: user, Tokens: tokens, SessionID: sessionID}, nil
}

// Logout invalidates a session.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if s.sessions == nil {
		return nil
	}
	if err := s.sessions.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// RefreshTokens issues a new token pair from a refresh token.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, error) {
	// Verify refresh token
	userID, err := s.jwtManager.VerifyRefreshToken(refreshToken)
	if err != nil {
		return nil, err
	}

	// Get user to ensure still valid
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: user not found", domain.ErrUnauthorized)
	}
	if !user.Enabled {
		return nil, fmt.Errorf("%w: account is disabled", domain.ErrUnauthorized)
	}

	tokens, err := s.jwtManager.Generate(user)
	if err != nil {
		return nil, fmt.Errorf("failed to generate tokens: %w", err)
	}
	return tokens, nil
}

// Authenticate validates an access token and loads its user. Roles and
// permissions come from the stored user, not from the token.
func (s *Service) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	claims, err := s.jwtManager.Verify(token)
	if err != nil {
		return nil, err
	}
	user, err := s.users.Get(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown user", domain.ErrUnauthorized)
		}
		return nil, err
	}
	if !user.Enabled {
		return nil, fmt.Errorf("%w: account is disabled", domain.ErrUnauthorized)
	}
	return user, nil
}

// CreateUser creates a new user account.
func (s *Service) CreateUser(ctx context.Context, username, email, password string, role domain.Role, superuser bool) (*domain.User, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", domain.ErrInvalidArgument)
	}
	if _, ok := domain.RolePermissions[role]; !ok {
		return nil, fmt.Errorf("%w: unknown role %q", domain.ErrInvalidArgument, role)
	}

	// Hash password
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now()
	created, err := s.users.Create(ctx, &domain.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hashed),
		Role:         role,
		IsSuperuser:  superuser,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info("User created",
		zap.String("user_id", created.ID),
		zap.String("username", created.Username),
		zap.String("role", string(created.Role)),
	)
	return created, nil
}

// EnsureAdmin creates the bootstrap superuser unless a user with that name exists.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) error {
	if _, err := s.users.GetByUsername(ctx, username); err == nil {
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	_, err := s.CreateUser(ctx, username, "", password, domain.RoleAdmin, true)
	return err
}

// ChangePassword changes a user's password.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("user not found: %w", err)
	}

	// Verify old password
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(oldPassword)); err != nil {
		return ErrInvalidCredentials
	}

	// Hash new password
	hashed, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	user.PasswordHash = string(hashed)
	user.UpdatedAt = time.Now()
	if _, err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	s.logger.Info("Password changed", zap.String("user_id", userID))
	return nil
}

func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return uuid.New().String()
	}
	return hex.EncodeToString(b)
}
