package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// errInputInterrupted ends a wait that Stop or context cancellation cut short. It is not an
// answer: the action goes back to the pending queue.
var errInputInterrupted = errors.New("input wait interrupted")

// inputWaiter is a one-shot rendezvous for a single pending input request.
type inputWaiter struct {
	req InputRequest
	ch  chan map[string]any
}

// confirm asks for approval. Anything other than approved == true is a denial.
func (e *Engine) confirm(ctx context.Context, a *Action) (bool, error) {
	resp, err := e.awaitInput(ctx, InputRequest{
		Type:     InputConfirmation,
		ActionID: a.ID,
		Question: fmt.Sprintf("Approve %s action: %s?", a.Kind, a.Description),
		Action:   actionSummary(a),
	})
	if err != nil {
		return false, err
	}
	approved, _ := resp["approved"].(bool)
	return approved, nil
}

// awaitInput suspends the loop until ProvideUserInput, the input timeout, Stop or ctx.
// A timeout yields {"timeout": true}; Stop and ctx yield errInputInterrupted. A response
// handed over in the same instant as either still wins.
func (e *Engine) awaitInput(ctx context.Context, req InputRequest) (map[string]any, error) {
	w := &inputWaiter{ch: make(chan map[string]any, 1)}

	e.mu.Lock()
	req.SessionID = e.ec.SessionID
	w.req = req
	e.waiter = w
	r := req
	e.ec.WaitingFor = &r
	e.setPhaseLocked(StateWaitingInput)
	stopCh := e.stopCh
	e.mu.Unlock()

	e.notifyStatus(EventWaitingInput, map[string]any{"type": string(req.Type), "action_id": req.ActionID})
	e.listener.OnUserInputNeeded(req)

	start := time.Now()
	timer := time.NewTimer(e.cfg.InputTimeout)
	defer timer.Stop()

	var resp map[string]any
	interrupted := false
	select {
	case resp = <-w.ch:
	case <-timer.C:
	case <-stopCh:
		interrupted = true
	case <-ctx.Done():
		interrupted = true
	}

	e.mu.Lock()
	if e.waiter == w {
		e.waiter = nil
	} else if resp == nil {
		// ProvideUserInput claimed the waiter and sent under e.mu, so the answer is buffered.
		select {
		case resp = <-w.ch:
		default:
		}
	}
	e.ec.WaitingFor = nil
	e.setPhaseLocked(StateExecuting)
	e.mu.Unlock()

	switch {
	case resp != nil:
		e.recorder.ObserveInputWait(time.Since(start), false)
		return resp, nil
	case interrupted:
		e.logger.Info("⏹️ Input request for action %s interrupted", req.ActionID)
		return nil, errInputInterrupted
	default:
		e.logger.Warn("⏳ Input request for action %s timed out after %s", req.ActionID, e.cfg.InputTimeout)
		e.recorder.ObserveInputWait(time.Since(start), true)
		return map[string]any{"timeout": true}, nil
	}
}

// ProvideUserInput delivers resp to the pending input request. It returns ErrNoPendingInput
// when nothing is waiting; a second call for the same request gets the same error.
func (e *Engine) ProvideUserInput(resp map[string]any) error {
	if resp == nil {
		resp = map[string]any{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.waiter
	if w == nil {
		return ErrNoPendingInput
	}
	e.waiter = nil
	// w.ch holds one answer and only the claimer of e.waiter sends, so this never blocks.
	w.ch <- resp
	return nil
}

// PendingInput returns the request currently awaiting an answer.
func (e *Engine) PendingInput() (InputRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.waiter == nil {
		return InputRequest{}, false
	}
	return e.waiter.req, true
}

func timedOut(resp map[string]any) bool {
	v, _ := resp["timeout"].(bool)
	return v
}
