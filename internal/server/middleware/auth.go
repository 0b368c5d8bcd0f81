// Package middleware provides HTTP and Connect-RPC middleware.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/domain"
)

// ContextKey is the type for context keys.
type ContextKey string

// UserKey is the context key for the authenticated user.
const UserKey ContextKey = "user"

// Authenticator resolves a bearer token to its user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.User, error)
}

// AuthInterceptor provides authentication for Connect-RPC services.
type AuthInterceptor struct {
	authn  Authenticator
	logger *zap.Logger
}

var _ connect.Interceptor = (*AuthInterceptor)(nil)

// NewAuthInterceptor creates a new auth interceptor.
func NewAuthInterceptor(authn Authenticator, logger *zap.Logger) *AuthInterceptor {
	return &AuthInterceptor{
		authn:  authn,
		logger: logger.With(zap.String("middleware", "auth")),
	}
}

// WrapUnary returns a unary interceptor function.
func (a *AuthInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		procedure := req.Spec().Procedure
		if isPublicEndpoint(procedure) {
			return next(ctx, req)
		}

		user, err := a.authenticate(ctx, req.Header())
		if err != nil {
			a.logger.Debug("Authentication failed", zap.String("procedure", procedure), zap.Error(err))
			return nil, err
		}

		a.logger.Debug("Request authenticated",
			zap.String("user_id", user.ID),
			zap.String("username", user.Username),
			zap.String("procedure", procedure),
		)
		return next(WithUser(ctx, user), req)
	}
}

// WrapStreamingClient returns a streaming client interceptor.
func (a *AuthInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

// WrapStreamingHandler returns a streaming handler interceptor.
func (a *AuthInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) error {
		if isPublicEndpoint(conn.Spec().Procedure) {
			return next(ctx, conn)
		}
		user, err := a.authenticate(ctx, conn.RequestHeader())
		if err != nil {
			return err
		}
		return next(WithUser(ctx, user), conn)
	}
}

func (a *AuthInterceptor) authenticate(ctx context.Context, header http.Header) (*domain.User, error) {
	token, err := BearerToken(header.Get("Authorization"))
	if err != nil {
		return nil, connect.NewError(connect.CodeUnauthenticated, err)
	}
	user, err := a.authn.Authenticate(ctx, token)
	if err != nil {
		return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("invalid or expired token"))
	}
	return user, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return "", errors.New("invalid authorization format, expected 'Bearer <token>'")
	}
	return token, nil
}

// publicEndpoints lists procedures that don't require authentication.
var publicEndpoints = []string{
	"/circle.v1.AuthService/Login",
	"/circle.v1.AuthService/RefreshToken",
}

func isPublicEndpoint(procedure string) bool {
	for _, ep := range publicEndpoints {
		if procedure == ep {
			return true
		}
	}
	return false
}

// WithUser returns a context carrying user.
func WithUser(ctx context.Context, user *domain.User) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

// GetUser extracts the authenticated user from the context.
func GetUser(ctx context.Context) (*domain.User, bool) {
	user, ok := ctx.Value(UserKey).(*domain.User)
	return user, ok && user != nil
}

// RequirePermission returns an error if the user doesn't hold every permission.
func RequirePermission(ctx context.Context, perms ...domain.Permission) (*domain.User, error) {
	user, ok := GetUser(ctx)
	if !ok {
		return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("not authenticated"))
	}
	if !user.HasPerms(perms...) {
		return nil, connect.NewError(connect.CodePermissionDenied, errors.New("insufficient permissions"))
	}
	return user, nil
}
