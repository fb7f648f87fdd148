package conv

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSPattern is the route pattern the handler expects to be mounted on.
const WSPattern = "/ws/conversation/{conversation_id}"

// Handler upgrades and admits websocket conversation connections.
type Handler struct {
	Store     *Store
	Registry  *Registry
	Providers Providers
	Config    Config
	Secret    []byte
	Log       *slog.Logger

	upgrader websocket.Upgrader
}

// NewHandler wires the conversation endpoint.
func NewHandler(store *Store, registry *Registry, providers Providers, cfg Config, secret []byte, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		Store:     store,
		Registry:  registry,
		Providers: providers,
		Config:    cfg,
		Secret:    secret,
		Log:       log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /ws/conversation/{conversation_id}?token=...
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("conversation_id")
	if convID == "" {
		convID = path.Base(r.URL.Path)
	}
	token := r.URL.Query().Get("token")

	// The gate's close codes require an established websocket, so the
	// upgrade happens before authorization.
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn("upgrade failed", "conv_id", convID, "error", err)
		return
	}
	t := newWSTransport(ws)

	claims, code, err := Authorize(r.Context(), h.Store, h.Secret, convID, token)
	if err != nil {
		h.Log.Warn("connection rejected", "conv_id", convID, "close_code", code, "error", err)
		t.Close(code, "unauthorized")
		return
	}

	// A displaced connection may still have a turn emitting; the shared
	// flag stops it before its socket is closed.
	if h.Registry.Get(convID) != nil {
		if err := h.Store.SetInterrupt(r.Context(), convID); err != nil {
			h.Log.Error("interrupt superseded turn", "conv_id", convID, "error", err)
		}
	}
	h.Registry.Admit(convID, t)
	defer h.Registry.Drop(convID, t)
	if err := h.Store.Touch(r.Context(), convID, true); err != nil {
		h.Log.Error("mark connected", "conv_id", convID, "error", err)
	}

	h.Log.Info("connection admitted", "conv_id", convID, "user_id", claims.UserID)
	sess := NewSession(convID, claims.UserID, t, h.Store, h.Providers, h.Config, h.Log)
	if err := sess.Run(r.Context()); err != nil {
		h.Log.Info("session ended", "conv_id", convID, "error", err)
	}
	t.Close(CloseNormal, "")
}

// wsTransport adapts a gorilla connection to the session Transport.
// Writes are serialized; Close is idempotent.
type wsTransport struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSTransport(ws *websocket.Conn) *wsTransport {
	return &wsTransport{ws: ws}
}

func (t *wsTransport) Send(e *Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Receive(timeout time.Duration) ([]byte, error) {
	if err := t.ws.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	_, data, err := t.ws.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, ErrReceiveTimeout
		}
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(time.Second)
		t.writeMu.Lock()
		t.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		t.writeMu.Unlock()
		err = t.ws.Close()
	})
	return err
}

var _ Transport = (*wsTransport)(nil)
