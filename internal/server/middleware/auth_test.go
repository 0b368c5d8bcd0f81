package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/circlecloud/circle/internal/domain"
)

type fakeAuthenticator struct {
	users map[string]*domain.User
}

func (f *fakeAuthenticator) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	if u, ok := f.users[token]; ok {
		return u, nil
	}
	return nil, domain.ErrUnauthorized
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{header: "Bearer abc", want: "abc"},
		{header: "", wantErr: true},
		{header: "Basic abc", wantErr: true},
		{header: "Bearer ", wantErr: true},
	}
	for _, tt := range tests {
		got, err := BearerToken(tt.header)
		if (err != nil) != tt.wantErr {
			t.Errorf("BearerToken(%q) error = %v, wantErr %v", tt.header, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("BearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestRequirePermission(t *testing.T) {
	viewer := &domain.User{ID: "u1", Role: domain.RoleViewer}

	if _, err := RequirePermission(context.Background(), domain.PermissionNodeRead); connect.CodeOf(err) != connect.CodeUnauthenticated {
		t.Errorf("anonymous code = %v, want Unauthenticated", connect.CodeOf(err))
	}

	ctx := WithUser(context.Background(), viewer)
	if u, err := RequirePermission(ctx, domain.PermissionNodeRead); err != nil || u.ID != "u1" {
		t.Errorf("RequirePermission(node:read) = %v, %v", u, err)
	}
	if _, err := RequirePermission(ctx, domain.PermissionNodeFlush); connect.CodeOf(err) != connect.CodePermissionDenied {
		t.Errorf("RequirePermission(node:flush) code = %v, want PermissionDenied", connect.CodeOf(err))
	}
}

func TestAuthInterceptor(t *testing.T) {
	authn := &fakeAuthenticator{users: map[string]*domain.User{
		"good": {ID: "u1", Username: "alice", Role: domain.RoleViewer},
	}}
	interceptor := NewAuthInterceptor(authn, zap.NewNop())

	whoami := func(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
		name := "anonymous"
		if u, ok := GetUser(ctx); ok {
			name = u.Username
		}
		msg, err := structpb.NewStruct(map[string]any{"username": name})
		if err != nil {
			return nil, err
		}
		return connect.NewResponse(msg), nil
	}

	mux := http.NewServeMux()
	for _, proc := range []string{"/test.v1.Echo/Whoami", "/circle.v1.AuthService/Login"} {
		mux.Handle(proc, connect.NewUnaryHandler(proc, whoami, connect.WithInterceptors(interceptor)))
	}
	ts := httptest.NewServer(mux)
	defer ts.Close()

	call := func(proc, token string) (string, error) {
		client := connect.NewClient[structpb.Struct, structpb.Struct](ts.Client(), ts.URL+proc)
		req := connect.NewRequest(&structpb.Struct{})
		if token != "" {
			req.Header().Set("Authorization", "Bearer "+token)
		}
		resp, err := client.CallUnary(context.Background(), req)
		if err != nil {
			return "", err
		}
		return resp.Msg.GetFields()["username"].GetStringValue(), nil
	}

	if got, err := call("/test.v1.Echo/Whoami", "good"); err != nil || got != "alice" {
		t.Errorf("authenticated call = %q, %v; want alice", got, err)
	}

	_, err := call("/test.v1.Echo/Whoami", "")
	if connect.CodeOf(err) != connect.CodeUnauthenticated {
		t.Errorf("missing token code = %v, want Unauthenticated", connect.CodeOf(err))
	}

	_, err = call("/test.v1.Echo/Whoami", "bad")
	var cerr *connect.Error
	if !errors.As(err, &cerr) || cerr.Code() != connect.CodeUnauthenticated {
		t.Errorf("bad token error = %v, want Unauthenticated", err)
	}

	if got, err := call("/circle.v1.AuthService/Login", ""); err != nil || got != "anonymous" {
		t.Errorf("public call = %q, %v; want anonymous", got, err)
	}
}
