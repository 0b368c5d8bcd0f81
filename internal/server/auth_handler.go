package server

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/circlecloud/circle/internal/domain"
	"github.com/circlecloud/circle/internal/services/auth"
)

const authServiceName = "circle.v1.AuthService"

// AuthService is the login API served over Connect.
type AuthService interface {
	Login(ctx context.Context, username, password string) (*auth.LoginResponse, error)
	RefreshTokens(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	Logout(ctx context.Context, sessionID string) error
}

// AuthHandler serves the auth procedures.
type AuthHandler struct {
	svc AuthService
}

// NewAuthHandler creates an auth handler.
func NewAuthHandler(svc AuthService) *AuthHandler {
	return &AuthHandler{svc: svc}
}

func (h *AuthHandler) procedures() []procedure {
	return []procedure{
		{method: "Login", fn: h.login},
		{method: "RefreshToken", fn: h.refresh},
		{method: "Logout", fn: h.logout},
	}
}

func (h *AuthHandler) login(ctx context.Context, msg *structpb.Struct) (any, error) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	if req.Username == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: username and password are required", domain.ErrInvalidArgument)
	}
	resp, err := h.svc.Login(ctx, req.Username, req.Password)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"user":       resp.User,
		"tokens":     resp.Tokens,
		"session_id": resp.SessionID,
	}, nil
}

func (h *AuthHandler) refresh(ctx context.Context, msg *structpb.Struct) (any, error) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	if req.RefreshToken == "" {
		return nil, fmt.Errorf("%w: refresh_token is required", domain.ErrInvalidArgument)
	}
	tokens, err := h.svc.RefreshTokens(ctx, req.RefreshToken)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tokens": tokens}, nil
}

func (h *AuthHandler) logout(ctx context.Context, msg *structpb.Struct) (any, error) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", domain.ErrInvalidArgument)
	}
	return nil, h.svc.Logout(ctx, req.SessionID)
}
