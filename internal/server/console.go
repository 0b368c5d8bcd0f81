package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/domain"
	"github.com/circlecloud/circle/internal/server/middleware"
)

const consolePath = "GET /api/v1/instances/{id}/console"

// ConsoleErrorCode identifies why a console connection was refused.
type ConsoleErrorCode string

const (
	ConsoleErrorUnauthenticated  ConsoleErrorCode = "UNAUTHENTICATED"
	ConsoleErrorPermissionDenied ConsoleErrorCode = "PERMISSION_DENIED"
	ConsoleErrorNotFound         ConsoleErrorCode = "INSTANCE_NOT_FOUND"
	ConsoleErrorNotRunning       ConsoleErrorCode = "INSTANCE_NOT_RUNNING"
	ConsoleErrorNoNode           ConsoleErrorCode = "NODE_NOT_ASSIGNED"
	ConsoleErrorVNCUnavailable   ConsoleErrorCode = "VNC_UNAVAILABLE"
)

// ConsoleErrorResponse is the JSON body of a refused console request.
type ConsoleErrorResponse struct {
	Code       ConsoleErrorCode `json:"code"`
	Message    string           `json:"message"`
	InstanceID string           `json:"instance_id,omitempty"`
	NodeID     string           `json:"node_id,omitempty"`
}

// ConsoleHandler proxies a websocket to the VNC port of a running instance.
// Callers need operator level on the instance.
type ConsoleHandler struct {
	instances   InstanceService
	nodes       NodeService
	authn       middleware.Authenticator
	upgrader    websocket.Upgrader
	dialTimeout time.Duration
	logger      *zap.Logger
}

// NewConsoleHandler creates a console handler.
func NewConsoleHandler(instances InstanceService, nodes NodeService, authn middleware.Authenticator, allowedOrigins []string, logger *zap.Logger) *ConsoleHandler {
	return &ConsoleHandler{
		instances: instances,
		nodes:     nodes,
		authn:     authn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			Subprotocols:    []string{"binary"},
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
			},
		},
		dialTimeout: 10 * time.Second,
		logger:      logger.Named("console"),
	}
}

func (h *ConsoleHandler) writeError(w http.ResponseWriter, status int, resp ConsoleErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// vncAddress resolves where the instance's VNC server listens, or writes
// the refusal and returns "".
func (h *ConsoleHandler) vncAddress(w http.ResponseWriter, r *http.Request) string {
	ctx := r.Context()
	id := r.PathValue("id")

	token := r.URL.Query().Get("access_token")
	if token == "" {
		token, _ = middleware.BearerToken(r.Header.Get("Authorization"))
	}
	user, err := h.authn.Authenticate(ctx, token)
	if token == "" || err != nil {
		h.writeError(w, http.StatusUnauthorized, ConsoleErrorResponse{
			Code:    ConsoleErrorUnauthenticated,
			Message: "missing or invalid access token",
		})
		return ""
	}

	inst, err := h.instances.Get(ctx, id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrNotFound) {
			status = http.StatusNotFound
		}
		h.writeError(w, status, ConsoleErrorResponse{
			Code:       ConsoleErrorNotFound,
			Message:    err.Error(),
			InstanceID: id,
		})
		return ""
	}
	if !user.HasPerms(domain.PermissionInstancePower) || !inst.HasLevel(user, domain.ACLOperator) {
		h.writeError(w, http.StatusForbidden, ConsoleErrorResponse{
			Code:       ConsoleErrorPermissionDenied,
			Message:    "operator level required",
			InstanceID: id,
		})
		return ""
	}

	state, err := h.instances.EffectiveState(ctx, inst)
	if err != nil || state != domain.StateRunning {
		h.writeError(w, http.StatusPreconditionFailed, ConsoleErrorResponse{
			Code:       ConsoleErrorNotRunning,
			Message:    fmt.Sprintf("instance is %s", state),
			InstanceID: id,
		})
		return ""
	}
	if inst.NodeID == "" {
		h.writeError(w, http.StatusPreconditionFailed, ConsoleErrorResponse{
			Code:       ConsoleErrorNoNode,
			Message:    "instance is not assigned to a node",
			InstanceID: id,
		})
		return ""
	}

	node, err := h.nodes.Get(ctx, inst.NodeID)
	if err != nil || inst.VNCPort == 0 {
		h.writeError(w, http.StatusServiceUnavailable, ConsoleErrorResponse{
			Code:       ConsoleErrorVNCUnavailable,
			Message:    "vnc endpoint unknown",
			InstanceID: id,
			NodeID:     inst.NodeID,
		})
		return ""
	}
	return net.JoinHostPort(node.Hostname, strconv.Itoa(inst.VNCPort))
}

func (h *ConsoleHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addr := h.vncAddress(w, r)
	if addr == "" {
		return
	}
	logger := h.logger.With(zap.String("instance_id", r.PathValue("id")), zap.String("vnc_addr", addr))

	// Dial before the upgrade so an unreachable VNC server is a plain HTTP error.
	vnc, err := net.DialTimeout("tcp", addr, h.dialTimeout)
	if err != nil {
		logger.Warn("Failed to connect to VNC server", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, ConsoleErrorResponse{
			Code:       ConsoleErrorVNCUnavailable,
			Message:    "vnc connection failed",
			InstanceID: r.PathValue("id"),
		})
		return
	}
	defer vnc.Close()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Failed to upgrade WebSocket", zap.Error(err))
		return
	}
	defer ws.Close()

	logger.Info("Console session started")
	h.proxy(ws, vnc, logger)
	logger.Info("Console session ended")
}

// proxy copies frames in both directions until either side closes.
func (h *ConsoleHandler) proxy(ws *websocket.Conn, vnc net.Conn, logger *zap.Logger) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer vnc.Close()
		for {
			messageType, data, err := ws.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("WebSocket read error", zap.Error(err))
				}
				return
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			if _, err := vnc.Write(data); err != nil {
				logger.Debug("VNC write error", zap.Error(err))
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		defer ws.Close()
		buf := make([]byte, 64*1024)
		for {
			n, err := vnc.Read(buf)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					logger.Debug("VNC read error", zap.Error(err))
				}
				return
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
				logger.Debug("WebSocket write error", zap.Error(err))
				return
			}
		}
	}()

	wg.Wait()
}
