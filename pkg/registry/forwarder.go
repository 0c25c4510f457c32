package registry

import (
	"context"
	"time"

	"autopilot/pkg/engine"
	"autopilot/pkg/persistence"
)

// forwarder relays one session's engine events to its channel and keeps the durable session
// record in step.
type forwarder struct {
	registry *Registry
	entry    *entry
}

func (f *forwarder) OnStatusChange(ev engine.StatusEvent) {
	w := f.registry.deps.Worker
	switch ev.Event {
	case engine.EventPaused, engine.EventResumed, engine.EventCompleted, engine.EventFailed, engine.EventStopped:
		persistence.PersistSessionStatus(w, ev.SessionID, SessionStatusFor(ev.State))
	default:
		persistence.PersistSessionActivity(w, ev.SessionID)
	}
	f.publish(MsgStatus, ev.Timestamp, ev)
}

func (f *forwarder) OnActionComplete(ev engine.ActionEvent) {
	persistence.PersistSessionActivity(f.registry.deps.Worker, ev.SessionID)
	f.publish(MsgAction, ev.Timestamp, ev)
}

func (f *forwarder) OnUserInputNeeded(req engine.InputRequest) {
	f.publish(MsgInputNeeded, time.Now(), req)
}

func (f *forwarder) publish(msgType string, ts time.Time, data any) {
	msg := &Message{
		Type:      msgType,
		SessionID: f.entry.sessionID,
		ProjectID: f.entry.projectID,
		UserID:    f.entry.userID,
		Data:      data,
		Timestamp: ts,
	}
	if err := f.registry.deps.Notifier.Publish(context.Background(), f.entry.channel, msg); err != nil {
		f.registry.logger.Warn("⚠️ Failed to deliver %s for session %s: %v", msgType, f.entry.sessionID, err)
	}
}
