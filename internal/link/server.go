package link

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/infermux/infermux/internal/common/config"
	"github.com/infermux/infermux/internal/common/logger"
	"github.com/infermux/infermux/internal/events/bus"
	"github.com/infermux/infermux/pkg/wire"
)

// Server accepts worker link connections, performs the registration
// handshake, and hands established sessions their pumps.
type Server struct {
	registry *Registry
	eventBus bus.EventBus
	cfg      config.LinkConfig
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a link server over the given registry.
func NewServer(registry *Registry, eventBus bus.EventBus, cfg config.LinkConfig, log *logger.Logger) *Server {
	return &Server{
		registry: registry,
		eventBus: eventBus,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "link_server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Workers dial directly; there is no browser origin to vet.
				return true
			},
		},
	}
}

// Registry returns the server's session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler returns the http.Handler serving the worker link endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/link", s.handleLink)
	return mux
}

// handleLink upgrades the connection and runs the session lifecycle: the
// first inbound frame must be a registration naming a free namespace.
func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade link connection", zap.Error(err))
		return
	}

	conn.SetReadLimit(int64(s.cfg.MaxMessageSizeByte))
	conn.SetReadDeadline(time.Now().Add(pongWait))

	var frame wire.WorkerFrame
	if err := conn.ReadJSON(&frame); err != nil {
		s.closeWithError(conn, websocket.CloseInvalidFramePayloadData,
			"stream ended before registration message")
		return
	}
	if frame.Registration == nil || frame.Registration.Namespace == "" {
		s.closeWithError(conn, websocket.CloseInvalidFramePayloadData,
			"first message was not a valid registration message")
		return
	}
	namespace := frame.Registration.Namespace

	session := newSession(namespace, conn, s.registry, s.eventBus, s.cfg, s.logger)
	if err := s.registry.Register(session); err != nil {
		s.logger.Warn("registration rejected", zap.String("namespace", namespace), zap.Error(err))
		s.closeWithError(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}

	s.logger.Info("worker registered",
		zap.String("namespace", namespace),
		zap.String("remote_addr", r.RemoteAddr))
	if s.eventBus != nil {
		s.eventBus.Publish(r.Context(), bus.SubjectWorkerConnected,
			bus.NewEvent(bus.SubjectWorkerConnected, "coordinator", map[string]any{
				"namespace": namespace,
			}))
	}

	go session.writePump()
	session.readPump(r.Context())
}

// closeWithError sends a close frame carrying the reason, then closes.
func (s *Server) closeWithError(conn *websocket.Conn, code int, reason string) {
	s.logger.Warn("closing link", zap.String("reason", reason))
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	conn.Close()
}
