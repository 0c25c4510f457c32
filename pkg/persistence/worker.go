package persistence

import (
	"context"
	"fmt"
	"sync"

	"autopilot/pkg/engine"
	"autopilot/pkg/logx"
)

// Request is one queued database operation. Response is nil for fire-and-forget writes;
// otherwise it receives the operation's error (nil on success).
type Request struct {
	Data      any          `json:"data"`
	Response  chan<- error `json:"-"`
	Operation string       `json:"operation"`
}

// Operation constants for Request.
const (
	OpCreateSession       = "create_session"
	OpUpdateSessionStatus = "update_session_status"
	OpTouchSession        = "touch_session"
	OpSaveCheckpoint      = "save_checkpoint"
	OpStoreMemory         = "store_memory"
)

// UpdateSessionStatusRequest is the payload of OpUpdateSessionStatus.
type UpdateSessionStatusRequest struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// StoreMemoryRequest is the payload of OpStoreMemory.
type StoreMemoryRequest struct {
	Content   map[string]any `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	ProjectID string         `json:"project_id"`
}

const defaultQueueSize = 256

// Worker serializes writes from engine listeners so callbacks never block on the database.
// The worker drains every queued request before Close returns.
type Worker struct {
	store  *Store
	logger *logx.Logger
	ch     chan *Request
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

// NewWorker creates a worker for store. Call Start to begin processing.
func NewWorker(store *Store, queueSize int) *Worker {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Worker{
		store:  store,
		logger: logx.NewLogger("persistence-worker"),
		ch:     make(chan *Request, queueSize),
		done:   make(chan struct{}),
	}
}

// Start launches the worker goroutine. ctx bounds each individual operation.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		w.logger.Debug("Starting persistence worker")
		for req := range w.ch {
			if req != nil {
				w.process(context.WithoutCancel(ctx), req)
			}
		}
		w.logger.Info("Persistence worker finished draining queue")
	}()
}

// Submit queues req. It returns false once the worker is closed.
func (w *Worker) Submit(req *Request) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	w.ch <- req
	return true
}

// Close stops accepting requests and waits for the queue to drain.
func (w *Worker) Close() {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.ch)
		w.mu.Unlock()
	})
	<-w.done
}

//nolint:cyclop // Simple switch statement for database operations
func (w *Worker) process(ctx context.Context, req *Request) {
	var err error
	switch req.Operation {
	case OpCreateSession:
		if sess, ok := req.Data.(*ExecutionSession); ok {
			err = w.store.Sessions.Create(ctx, sess)
		} else {
			err = fmt.Errorf("bad payload %T for %s", req.Data, req.Operation)
		}

	case OpUpdateSessionStatus:
		if upd, ok := req.Data.(*UpdateSessionStatusRequest); ok {
			err = w.store.Sessions.UpdateStatus(ctx, upd.SessionID, upd.Status)
		} else {
			err = fmt.Errorf("bad payload %T for %s", req.Data, req.Operation)
		}

	case OpTouchSession:
		if id, ok := req.Data.(string); ok {
			err = w.store.Sessions.Touch(ctx, id)
		} else {
			err = fmt.Errorf("bad payload %T for %s", req.Data, req.Operation)
		}

	case OpSaveCheckpoint:
		if cp, ok := req.Data.(*engine.Checkpoint); ok {
			err = w.store.Checkpoints.SaveCheckpoint(ctx, cp)
		} else {
			err = fmt.Errorf("bad payload %T for %s", req.Data, req.Operation)
		}

	case OpStoreMemory:
		if mem, ok := req.Data.(*StoreMemoryRequest); ok {
			_, err = w.store.Memory.Store(ctx, mem.ProjectID, mem.Content, mem.Metadata)
		} else {
			err = fmt.Errorf("bad payload %T for %s", req.Data, req.Operation)
		}

	default:
		err = fmt.Errorf("unknown persistence operation: %s", req.Operation)
	}

	if err != nil {
		w.logger.Error("Failed to process %s: %v", req.Operation, err)
	}
	if req.Response != nil {
		req.Response <- err
	}
}

// PersistSessionStatus queues a status update for a session (fire-and-forget).
func PersistSessionStatus(w *Worker, sessionID, status string) {
	if w == nil || sessionID == "" {
		return
	}
	w.Submit(&Request{
		Operation: OpUpdateSessionStatus,
		Data:      &UpdateSessionStatusRequest{SessionID: sessionID, Status: status},
	})
}

// PersistSessionActivity queues a last-activity bump for a session (fire-and-forget).
func PersistSessionActivity(w *Worker, sessionID string) {
	if w == nil || sessionID == "" {
		return
	}
	w.Submit(&Request{Operation: OpTouchSession, Data: sessionID})
}
