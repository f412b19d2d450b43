package extensions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
	"github.com/nanoclaw/nanoclaw/pkg/session"
)

// Context identifies the conversation a hook is running for.
type Context struct {
	Channel    string
	ChatID     string
	SessionKey string
	Workspace  string
}

// Extension is the base contract. Hooks are optional capabilities an
// extension opts into by implementing the corresponding interface.
type Extension interface {
	Name() string
}

// PreProcessor runs before the agent touches an inbound message. A
// non-empty reply short-circuits processing and is sent to the user.
type PreProcessor interface {
	PreProcess(ctx context.Context, msg bus.InboundMessage, ectx Context) (string, error)
}

// HistoryTransformer reshapes stored history before the prompt is built.
type HistoryTransformer interface {
	TransformHistory(history []providers.Message, sess *session.Session, ectx Context) ([]providers.Message, error)
}

// MessagesTransformer reshapes the final provider message list.
type MessagesTransformer interface {
	TransformMessages(messages []providers.Message, ectx Context) ([]providers.Message, error)
}

// ResponseTransformer rewrites the assistant's final text.
type ResponseTransformer interface {
	TransformResponse(response string, ectx Context) (string, error)
}

// SessionSaver runs right before the session is persisted.
type SessionSaver interface {
	PreSessionSave(sess *session.Session, ectx Context) error
}

// Constructor builds an extension from configuration.
type Constructor func(cfg *config.Config) (Extension, error)

var (
	constructorsMu sync.RWMutex
	constructors   = map[string]Constructor{}
)

// RegisterConstructor adds a named extension to the build registry.
// Called from init funcs so the set is fixed at compile time.
func RegisterConstructor(name string, ctor Constructor) {
	constructorsMu.Lock()
	defer constructorsMu.Unlock()
	constructors[name] = ctor
}

// Available lists registered extension names.
func Available() []string {
	constructorsMu.RLock()
	defer constructorsMu.RUnlock()
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build instantiates the named extensions in the given order.
func Build(names []string, cfg *config.Config) ([]Extension, error) {
	constructorsMu.RLock()
	defer constructorsMu.RUnlock()

	exts := make([]Extension, 0, len(names))
	for _, name := range names {
		ctor, ok := constructors[name]
		if !ok {
			return nil, fmt.Errorf("unknown extension %q", name)
		}
		ext, err := ctor(cfg)
		if err != nil {
			return nil, fmt.Errorf("building extension %q: %w", name, err)
		}
		exts = append(exts, ext)
	}
	return exts, nil
}
