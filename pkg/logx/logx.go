// Package logx provides component-tagged printf logging with domain-filtered debug output.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// Entry is one captured log line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Domain    string    `json:"domain,omitempty"`
}

// Logger writes lines of the form "[timestamp] [component] LEVEL: message".
type Logger struct {
	component string
}

type debugSettings struct {
	enabled bool
	domains map[string]bool // nil means every domain
}

//nolint:gochecknoglobals // process-wide logging configuration
var (
	settingsMu sync.RWMutex
	settings   = debugSettings{}

	outputMu sync.Mutex
	output   io.Writer = os.Stderr

	recent = newRingBuffer(500)
)

func init() { //nolint:gochecknoinits // env-driven debug switches
	loadDebugFromEnv()
}

func loadDebugFromEnv() {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		settings.enabled = true
	}
	if v := os.Getenv("DEBUG_DOMAINS"); v != "" {
		settings.domains = parseDomains(strings.Split(v, ","))
	}
}

func parseDomains(list []string) map[string]bool {
	if len(list) == 0 {
		return nil
	}
	out := make(map[string]bool, len(list))
	for _, d := range list {
		if d = strings.TrimSpace(d); d != "" {
			out[d] = true
		}
	}
	return out
}

// NewLogger returns a logger tagged with component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// Component returns the tag this logger writes.
func (l *Logger) Component() string {
	return l.component
}

// WithComponent returns a copy of the logger with a different tag.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component}
}

// SetOutput redirects all loggers. Passing nil restores stderr.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
}

// SetDebug toggles debug output and optionally restricts it to domains.
func SetDebug(enabled bool, domains ...string) {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	settings.enabled = enabled
	settings.domains = parseDomains(domains)
}

// IsDebugEnabled reports whether debug output is on for domain. An empty domain
// only checks the global switch.
func IsDebugEnabled(domain string) bool {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	if !settings.enabled {
		return false
	}
	if domain == "" || settings.domains == nil {
		return true
	}
	return settings.domains[domain]
}

func write(component string, level Level, domain, message string) {
	now := time.Now().UTC()
	line := fmt.Sprintf("[%s] [%s] %s: %s\n", now.Format(timestampFormat), component, level, message)

	outputMu.Lock()
	_, _ = io.WriteString(output, line)
	outputMu.Unlock()

	recent.add(Entry{Timestamp: now, Component: component, Level: level, Message: message, Domain: domain})
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled(l.component) {
		return
	}
	write(l.component, LevelDebug, l.component, fmt.Sprintf(format, args...))
}

func (l *Logger) Info(format string, args ...any) {
	write(l.component, LevelInfo, "", fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(format string, args ...any) {
	write(l.component, LevelWarn, "", fmt.Sprintf(format, args...))
}

func (l *Logger) Error(format string, args ...any) {
	write(l.component, LevelError, "", fmt.Sprintf(format, args...))
}

type ctxKey struct{}

// WithSession stores a session id on ctx so domain debug lines can carry it.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, sessionID)
}

// SessionFrom returns the session id stored by WithSession.
func SessionFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// Debug logs a domain-scoped debug line. Enable with DEBUG=1 and narrow with
// DEBUG_DOMAINS=engine,intent.
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabled(domain) {
		return
	}
	component := SessionFrom(ctx)
	if component == "" {
		component = "system"
	}
	write(component, LevelDebug, domain, fmt.Sprintf("[%s] %s", domain, fmt.Sprintf(format, args...)))
}

// Recent returns captured entries newer than since, oldest first. A non-empty
// component narrows the result.
func Recent(component string, since time.Time) []Entry {
	return recent.snapshot(component, since)
}

var defaultLogger = NewLogger("system") //nolint:gochecknoglobals

func Infof(format string, args ...any) { defaultLogger.Info(format, args...) }

func Warnf(format string, args ...any) { defaultLogger.Warn(format, args...) }

// Errorf logs and returns the formatted error.
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs and returns fmt.Errorf("%s: %w", msg, err). A nil err stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}

type ringBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	max     int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{max: size, entries: make([]Entry, 0, size)}
}

func (b *ringBuffer) add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	if len(b.entries) > b.max {
		b.entries = b.entries[len(b.entries)-b.max:]
	}
}

func (b *ringBuffer) snapshot(component string, since time.Time) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, 0, len(b.entries))
	for i := range b.entries {
		e := b.entries[i]
		if component != "" && e.Component != component {
			continue
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		out = append(out, e)
	}
	return out
}
