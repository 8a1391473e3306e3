package link

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/infermux/infermux/internal/common/errors"
	"github.com/infermux/infermux/internal/common/logger"
	"github.com/infermux/infermux/pkg/wire"
)

// Result is one item on a task's user-facing output channel. Exactly one of
// the fields is meaningful: streamed text, the end-of-stream marker, or a
// terminal error.
type Result struct {
	Text string
	Done bool
	Err  *apperrors.AppError
}

// Supervisor serves one in-flight request: it drains the task's inbox,
// forwards content to the user channel, enforces the inactivity timeout, and
// issues advisory cancellation upstream when the task dies abnormally.
type Supervisor struct {
	task       *Task
	session    *Session
	out        chan Result
	inactivity time.Duration
	logger     *logger.Logger
}

// NewSupervisor creates a supervisor for a task already registered in the
// session's dispatcher. The supervisor takes ownership of out and closes it
// when it terminates.
func NewSupervisor(session *Session, task *Task, out chan Result, log *logger.Logger) *Supervisor {
	cfg := session.Config()
	return &Supervisor{
		task:       task,
		session:    session,
		out:        out,
		inactivity: cfg.InactivityTimeoutDuration(),
		logger: log.WithFields(
			zap.String("component", "supervisor"),
			zap.String("namespace", session.Namespace),
			zap.String("task_id", task.ID)),
	}
}

// Run executes the supervisor loop until the task terminates. Callers run it
// in its own goroutine. On any exit path the task is removed from the
// dispatcher; the removal is idempotent with the session's cleanup sweep.
func (sv *Supervisor) Run(ctx context.Context) {
	defer func() {
		sv.task.Finish()
		sv.session.Dispatcher().Remove(sv.task.ID, sv.task)
		close(sv.out)
	}()

	timer := time.NewTimer(sv.inactivity)
	defer timer.Stop()

	for {
		select {
		case delivery, ok := <-sv.task.Inbox:
			if !ok {
				return
			}
			resetTimer(timer, sv.inactivity)

			if delivery.Err != nil {
				sv.emit(Result{Err: delivery.Err})
				return
			}
			if done := sv.forward(ctx, delivery.Frame); done {
				return
			}

		case <-timer.C:
			sv.logger.Warn("task inactive; giving up", zap.Duration("inactivity", sv.inactivity))
			sv.emit(Result{Err: apperrors.DeadlineExceeded(fmt.Sprintf(
				"no activity for task '%s' within %s", sv.task.ID, sv.inactivity))})
			sv.cancelUpstream()
			return

		case <-ctx.Done():
			sv.cancelUpstream()
			return
		}
	}
}

// forward pushes one inbound frame to the user channel. Returns true when
// the supervisor should terminate.
func (sv *Supervisor) forward(ctx context.Context, frame *wire.WorkerFrame) bool {
	if frame == nil || frame.Chunk == nil {
		sv.logger.Debug("ignoring non-chunk payload on task inbox")
		return false
	}

	text, ok := frame.Chunk.Content()
	if !ok {
		// Empty delta marks the worker's end-of-stream for this task.
		select {
		case sv.out <- Result{Done: true}:
		case <-ctx.Done():
		}
		return true
	}

	select {
	case sv.out <- Result{Text: text}:
		return false
	case <-ctx.Done():
		// Reader went away mid-stream; stop the worker.
		sv.cancelUpstream()
		return true
	}
}

// emit delivers a result best-effort; a full or abandoned channel drops it.
func (sv *Supervisor) emit(r Result) {
	select {
	case sv.out <- r:
	default:
	}
}

// cancelUpstream queues the advisory cancel frame. Best-effort: failure is
// logged and does not alter termination.
func (sv *Supervisor) cancelUpstream() {
	if !sv.session.TrySend(wire.NewCancelFrame(sv.task.ID)) {
		sv.logger.Warn("failed to queue cancel for task")
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
