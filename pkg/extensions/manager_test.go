package extensions

import (
	"context"
	"errors"
	"testing"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
	"github.com/nanoclaw/nanoclaw/pkg/session"
)

type fakeExt struct {
	name      string
	reply     string
	appendMsg string
	err       error
	calls     int
}

func (f *fakeExt) Name() string { return f.name }

func (f *fakeExt) PreProcess(ctx context.Context, msg bus.InboundMessage, ectx Context) (string, error) {
	f.calls++
	return f.reply, f.err
}

func (f *fakeExt) TransformHistory(history []providers.Message, sess *session.Session, ectx Context) ([]providers.Message, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append(history, providers.Message{Role: "user", Content: f.appendMsg}), nil
}

func (f *fakeExt) PreSessionSave(sess *session.Session, ectx Context) error {
	f.calls++
	return f.err
}

func TestManagerPreProcessShortCircuits(t *testing.T) {
	first := &fakeExt{name: "first"}
	blocker := &fakeExt{name: "blocker", reply: "out of credits"}
	never := &fakeExt{name: "never", reply: "should not run"}
	mgr := NewManager(first, blocker, never)

	reply := mgr.PreProcess(context.Background(), bus.InboundMessage{Content: "hi"}, Context{})
	if reply != "out of credits" {
		t.Errorf("expected blocker reply, got %q", reply)
	}
	if never.calls != 0 {
		t.Error("extensions after the short-circuit should not run")
	}
}

func TestManagerFailingHookSkipped(t *testing.T) {
	broken := &fakeExt{name: "broken", err: errors.New("boom")}
	working := &fakeExt{name: "working", appendMsg: "added"}
	mgr := NewManager(broken, working)

	history := []providers.Message{{Role: "user", Content: "hi"}}
	out := mgr.TransformHistory(history, &session.Session{}, Context{})
	if len(out) != 2 {
		t.Fatalf("working extension should still run, got %d messages", len(out))
	}
	if out[1].Content != "added" {
		t.Errorf("working extension output lost: %v", out)
	}
	if broken.calls != 1 {
		t.Error("broken extension should have been invoked once")
	}
}

func TestManagerPreSessionSaveContinuesPastError(t *testing.T) {
	broken := &fakeExt{name: "broken", err: errors.New("disk full")}
	working := &fakeExt{name: "working"}
	mgr := NewManager(broken, working)

	mgr.PreSessionSave(&session.Session{}, Context{})
	if working.calls != 1 {
		t.Error("later save hooks should run after a failure")
	}
}

func TestBuildUnknownExtension(t *testing.T) {
	if _, err := Build([]string{"no-such-extension"}, nil); err == nil {
		t.Error("expected error for unknown extension name")
	}
}
