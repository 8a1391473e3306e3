package link

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/infermux/infermux/internal/common/config"
	apperrors "github.com/infermux/infermux/internal/common/errors"
	"github.com/infermux/infermux/internal/common/logger"
	"github.com/infermux/infermux/internal/events/bus"
	"github.com/infermux/infermux/pkg/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Session is the live link to one registered worker. It owns the outbound
// frame queue, the per-task dispatcher, and the inbound demux loop.
type Session struct {
	Namespace string

	conn       *websocket.Conn
	outbound   chan *wire.CoordinatorFrame
	dispatcher *Dispatcher
	registry   *Registry
	eventBus   bus.EventBus
	cfg        config.LinkConfig
	logger     *logger.Logger

	closed    chan struct{}
	closeOnce sync.Once

	framesSent atomic.Int64
	framesRecv atomic.Int64
}

func newSession(namespace string, conn *websocket.Conn, registry *Registry, eventBus bus.EventBus, cfg config.LinkConfig, log *logger.Logger) *Session {
	return &Session{
		Namespace:  namespace,
		conn:       conn,
		outbound:   make(chan *wire.CoordinatorFrame, cfg.OutboundQueueSize),
		dispatcher: NewDispatcher(),
		registry:   registry,
		eventBus:   eventBus,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "session"), zap.String("namespace", namespace)),
		closed:     make(chan struct{}),
	}
}

// Dispatcher returns the session's task dispatcher.
func (s *Session) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Closed returns a channel closed when the session is torn down.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// Config returns the link configuration the session was created with.
func (s *Session) Config() config.LinkConfig {
	return s.cfg
}

// TrySend queues a frame on the outbound channel without blocking. Returns
// false when the session is closed or the queue is full.
func (s *Session) TrySend(frame *wire.CoordinatorFrame) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.outbound <- frame:
		return true
	case <-s.closed:
		return false
	default:
		return false
	}
}

// SendRequest queues a frame, waiting up to timeout for queue space. A full
// queue surfaces as deadline exceeded; a dead session as unavailable.
func (s *Session) SendRequest(frame *wire.CoordinatorFrame, timeout time.Duration) *apperrors.AppError {
	select {
	case <-s.closed:
		return apperrors.Unavailable(fmt.Sprintf("worker '%s' is gone", s.Namespace))
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.outbound <- frame:
		return nil
	case <-s.closed:
		return apperrors.Unavailable(fmt.Sprintf("worker '%s' is gone", s.Namespace))
	case <-timer.C:
		return apperrors.DeadlineExceeded(fmt.Sprintf("timed out queueing frame for worker '%s'", s.Namespace))
	}
}

// markClosed closes the session's closed channel exactly once.
func (s *Session) markClosed() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// writePump owns all writes to the websocket connection: queued frames and
// keepalive pings. Runs until the session closes or a write fails.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.closed:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case frame := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.logger.Warn("link write failed", zap.Error(err))
				return
			}
			s.framesSent.Add(1)

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump is the inbound demultiplexer. It consumes worker frames until the
// stream ends or errors, then runs session cleanup.
func (s *Session) readPump(ctx context.Context) {
	defer s.cleanup(ctx)

	s.conn.SetReadLimit(int64(s.cfg.MaxMessageSizeByte))
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame wire.WorkerFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn("link read error", zap.Error(err))
			}
			return
		}
		s.framesRecv.Add(1)
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch {
		case frame.Heartbeat != nil:
			s.logger.Debug("received heartbeat",
				zap.String("status", frame.Heartbeat.Status),
				zap.Time("timestamp", frame.Heartbeat.Timestamp))
			if !s.TrySend(wire.NewAckFrame(frame.ID)) {
				s.logger.Error("failed to queue heartbeat ack; worker presumed gone")
				return
			}

		case frame.Chunk != nil:
			s.handleChunk(&frame)

		case frame.Models != nil:
			s.handleModels(&frame)

		case frame.Registration != nil:
			s.logger.Warn("unexpected registration after initial registration; ignoring")

		default:
			s.logger.Warn("frame with no payload; ignoring", zap.String("id", frame.ID))
		}
	}
}

// handleChunk routes an inference chunk to its task's inbox. A chunk for an
// unknown task-id means the supervisor already ended and the worker has not
// yet observed cancellation: the chunk is dropped and a cancel is queued.
func (s *Session) handleChunk(frame *wire.WorkerFrame) {
	taskID := frame.Chunk.RequestID

	task := s.dispatcher.Get(taskID)
	if task == nil {
		s.logger.Warn("chunk for unknown task; discarding", zap.String("task_id", taskID))
		s.TrySend(wire.NewCancelFrame(taskID))
		return
	}

	select {
	case task.Inbox <- Delivery{Frame: frame}:
	case <-task.Done():
		// Receiver gone mid-stream: evict and tell the worker to stop.
		s.dispatcher.Remove(taskID, task)
		s.TrySend(wire.NewCancelFrame(taskID))
		s.logger.Info("evicted task after receiver went away", zap.String("task_id", taskID))
	}
}

// handleModels routes a model listing response to its one-shot task.
func (s *Session) handleModels(frame *wire.WorkerFrame) {
	taskID := frame.Models.RequestID
	if taskID == "" {
		taskID = frame.ID
	}

	task := s.dispatcher.Get(taskID)
	if task == nil {
		s.logger.Warn("models response for unknown task; dropping", zap.String("task_id", taskID))
		return
	}

	select {
	case task.Inbox <- Delivery{Frame: frame}:
	case <-task.Done():
	}
}

// cleanup tears the session down after the demux loop exits: deregister,
// fail every pending task with unavailable, and clear the dispatcher.
func (s *Session) cleanup(ctx context.Context) {
	s.markClosed()
	s.registry.Deregister(s.Namespace, s)

	pending := s.dispatcher.Snapshot()
	for _, task := range pending {
		delivery := Delivery{
			Err: apperrors.Unavailable(fmt.Sprintf(
				"client '%s' disconnected while request '%s' was pending", s.Namespace, task.ID)),
		}
		select {
		case task.Inbox <- delivery:
		default:
			// Inbox full or supervisor already draining its own teardown.
		}
	}
	s.dispatcher.Clear()

	s.logger.Info("session closed",
		zap.Int("pending_tasks", len(pending)),
		zap.Int64("frames_sent", s.framesSent.Load()),
		zap.Int64("frames_received", s.framesRecv.Load()))

	if s.eventBus != nil {
		s.eventBus.Publish(ctx, bus.SubjectWorkerDisconnected,
			bus.NewEvent(bus.SubjectWorkerDisconnected, "coordinator", map[string]any{
				"namespace":     s.Namespace,
				"pending_tasks": len(pending),
			}))
	}
}
