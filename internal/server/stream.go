package server

import (
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/activity"
	"github.com/circlecloud/circle/internal/domain"
	"github.com/circlecloud/circle/internal/server/middleware"
)

const (
	activityStreamPath = "/api/v1/activities/stream"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// streamFilter selects the events one client receives.
type streamFilter struct {
	kind   domain.SubjectKind
	id     string
	userID string // empty for superusers
}

func (f streamFilter) match(ev activity.Event) bool {
	a := ev.Activity
	if a == nil {
		return false
	}
	if f.kind != "" && a.SubjectKind != f.kind {
		return false
	}
	if f.id != "" && a.SubjectID != f.id {
		return false
	}
	if f.userID != "" && a.UserID != f.userID {
		return false
	}
	return true
}

// ActivityStream pushes activity events to websocket clients.
// Non-superusers only receive events of activities they started.
type ActivityStream struct {
	broker   *ActivityBroker
	authn    middleware.Authenticator
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewActivityStream creates the stream handler. Browser origins are checked
// against allowedOrigins; "*" allows any origin.
func NewActivityStream(broker *ActivityBroker, authn middleware.Authenticator, allowedOrigins []string, logger *zap.Logger) *ActivityStream {
	return &ActivityStream{
		broker: broker,
		authn:  authn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
			},
		},
		logger: logger.Named("activity-stream"),
	}
}

func (h *ActivityStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on a websocket handshake.
	token := r.URL.Query().Get("access_token")
	if token == "" {
		var err error
		if token, err = middleware.BearerToken(r.Header.Get("Authorization")); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
	}
	user, err := h.authn.Authenticate(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}
	if !user.HasPerms(domain.PermissionActivityRead) {
		http.Error(w, "insufficient permissions", http.StatusForbidden)
		return
	}

	q := r.URL.Query()
	filter := streamFilter{
		kind: domain.SubjectKind(q.Get("subject_kind")),
		id:   q.Get("subject_id"),
	}
	if !user.IsSuperuser {
		filter.userID = user.ID
	}

	// Subscribe first so no event is missed between handshake and loop.
	events, unsubscribe := h.broker.Subscribe()
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(zap.String("user_id", user.ID))
	logger.Debug("Activity stream client connected")
	defer logger.Debug("Activity stream client disconnected")

	// The read loop handles pongs and notices when the client goes away.
	done := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
			if !filter.match(ev) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("Failed to send activity event", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
