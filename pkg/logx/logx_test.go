package logx

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })
	return &buf
}

func TestLogFormat(t *testing.T) {
	buf := captureOutput(t)

	NewLogger("engine").Info("started %s", "sess-1")

	out := buf.String()
	assert.Contains(t, out, "[engine]")
	assert.Contains(t, out, "INFO: started sess-1")
}

func TestDebugRespectsDomains(t *testing.T) {
	buf := captureOutput(t)
	t.Cleanup(func() { SetDebug(false) })

	SetDebug(false)
	NewLogger("engine").Debug("hidden")
	assert.Empty(t, buf.String())

	SetDebug(true, "intent")
	NewLogger("engine").Debug("still hidden")
	Debug(context.Background(), "intent", "classified %d", 3)
	assert.NotContains(t, buf.String(), "still hidden")
	assert.Contains(t, buf.String(), "[intent] classified 3")

	SetDebug(true)
	assert.True(t, IsDebugEnabled("anything"))
}

func TestDebugUsesSessionFromContext(t *testing.T) {
	buf := captureOutput(t)
	SetDebug(true)
	t.Cleanup(func() { SetDebug(false) })

	ctx := WithSession(context.Background(), "sess-42")
	Debug(ctx, "engine", "tick")

	assert.Contains(t, buf.String(), "[sess-42]")
	assert.Equal(t, "sess-42", SessionFrom(ctx))
	assert.Empty(t, SessionFrom(context.Background()))
}

func TestRecentEntries(t *testing.T) {
	captureOutput(t)
	since := time.Now().Add(-time.Second)

	NewLogger("registry-test").Warn("queue full")
	NewLogger("other-test").Info("ignored")

	entries := Recent("registry-test", since)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, LevelWarn, last.Level)
	assert.Equal(t, "queue full", last.Message)
}

func TestRingBufferBounded(t *testing.T) {
	b := newRingBuffer(3)
	for i := 0; i < 5; i++ {
		b.add(Entry{Message: string(rune('a' + i))})
	}
	got := b.snapshot("", time.Time{})
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].Message)
	assert.Equal(t, "e", got[2].Message)
}

func TestWrap(t *testing.T) {
	captureOutput(t)
	base := errors.New("boom")

	assert.NoError(t, Wrap(nil, "ignored"))

	err := Wrap(base, "open db")
	require.Error(t, err)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "open db: boom", err.Error())

	err = Errorf("bad value %d", 7)
	assert.EqualError(t, err, "bad value 7")
}
