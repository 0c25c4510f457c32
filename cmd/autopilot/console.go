package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"autopilot/pkg/engine"
	"autopilot/pkg/registry"
)

// sessionConsole prints one session's events and relays its input requests to the terminal.
type sessionConsole struct {
	out         io.Writer
	autoApprove bool
	inputs      chan engine.InputRequest
	done        chan engine.StatusEvent
}

func newSessionConsole(out io.Writer, autoApprove bool) *sessionConsole {
	return &sessionConsole{
		out:         newLockedWriter(out),
		autoApprove: autoApprove,
		inputs:      make(chan engine.InputRequest, 1),
		done:        make(chan engine.StatusEvent, 1),
	}
}

// listener observes the engine. Callbacks never block: input requests and the terminal event
// are handed to follow.
func (c *sessionConsole) listener() engine.Listener {
	return engine.ListenerFuncs{
		StatusChange: func(ev engine.StatusEvent) {
			fmt.Fprintf(c.out, "%s %s: %s\n", statusIcon(ev.Event), ev.SessionID, ev.Event)
			if ev.State.IsTerminal() {
				select {
				case c.done <- ev:
				default:
				}
			}
		},
		ActionComplete: func(ev engine.ActionEvent) {
			line := fmt.Sprintf("  [%d] %s %s: %s", ev.Iteration, actionIcon(ev.Status), ev.Kind, ev.Description)
			if ev.Error != "" {
				line += " (" + ev.Error + ")"
			}
			fmt.Fprintln(c.out, line)
		},
		UserInputNeeded: func(req engine.InputRequest) {
			select {
			case c.inputs <- req:
			default:
			}
		},
	}
}

// follow blocks until the session ends, ctx is cancelled, or stdin closes. Terminal failures
// are returned as errors.
func (c *sessionConsole) follow(ctx context.Context, reg *registry.Registry, sessionID string, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(c.out, "⏸️ Interrupted. Resume with: autopilot resume %s\n", sessionID)
			return nil
		case ev := <-c.done:
			return terminalError(ev)
		case req := <-c.inputs:
			resp, ok := c.answer(req, lines)
			if !ok {
				fmt.Fprintf(c.out, "⏸️ Input closed. Resume with: autopilot resume %s\n", sessionID)
				return nil
			}
			if err := reg.ProvideUserInput(sessionID, resp); err != nil && !errors.Is(err, engine.ErrNoPendingInput) {
				return err
			}
		}
	}
}

func (c *sessionConsole) answer(req engine.InputRequest, lines <-chan string) (map[string]any, bool) {
	if req.Type == engine.InputConfirmation && c.autoApprove {
		fmt.Fprintf(c.out, "✅ Auto-approved: %s\n", req.Question)
		return map[string]any{"approved": true}, true
	}
	if req.Type == engine.InputConfirmation {
		fmt.Fprintf(c.out, "❓ %s [y/N] ", req.Question)
	} else {
		fmt.Fprintf(c.out, "❓ %s\n> ", req.Question)
	}
	line, ok := <-lines
	if !ok {
		return nil, false
	}
	if req.Type == engine.InputConfirmation {
		return map[string]any{"approved": isYes(line)}, true
	}
	return map[string]any{"response": line}, true
}

func terminalError(ev engine.StatusEvent) error {
	switch ev.State {
	case engine.StateFailed:
		if reason, ok := ev.Details["reason"].(string); ok && reason != "" {
			return fmt.Errorf("session %s failed: %s", ev.SessionID, reason)
		}
		return fmt.Errorf("session %s failed", ev.SessionID)
	default:
		return nil
	}
}

// readLines forwards trimmed lines from r until it is exhausted.
func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			out <- strings.TrimSpace(scanner.Text())
		}
	}()
	return out
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "ok", "approve", "approved":
		return true
	}
	return false
}

func statusIcon(event string) string {
	switch event {
	case engine.EventStarted, engine.EventResumed:
		return "▶️"
	case engine.EventPaused:
		return "⏸️"
	case engine.EventCompleted:
		return "✅"
	case engine.EventFailed:
		return "❌"
	case engine.EventStopped:
		return "🛑"
	default:
		return "•"
	}
}

func actionIcon(s engine.ActionStatus) string {
	switch s {
	case engine.ActionCompleted:
		return "✅"
	case engine.ActionFailed:
		return "❌"
	case engine.ActionSkipped:
		return "⏭️"
	default:
		return "•"
	}
}

// lockedWriter serializes writes from engine callbacks and the prompt loop.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newLockedWriter(w io.Writer) *lockedWriter {
	return &lockedWriter{w: w}
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
