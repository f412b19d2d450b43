package extensions

import (
	"context"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
	"github.com/nanoclaw/nanoclaw/pkg/session"
)

// Manager runs the extension pipeline in registration order. A failing
// hook is logged and skipped so one broken extension cannot take the
// bot down; the previous value carries forward.
type Manager struct {
	extensions []Extension
}

func NewManager(exts ...Extension) *Manager {
	return &Manager{extensions: exts}
}

func (m *Manager) Extensions() []Extension {
	return m.extensions
}

// PreProcess returns the first short-circuit reply, or "" to continue.
func (m *Manager) PreProcess(ctx context.Context, msg bus.InboundMessage, ectx Context) string {
	for _, ext := range m.extensions {
		hook, ok := ext.(PreProcessor)
		if !ok {
			continue
		}
		reply, err := hook.PreProcess(ctx, msg, ectx)
		if err != nil {
			logHookError(ext, "pre_process", err)
			continue
		}
		if reply != "" {
			return reply
		}
	}
	return ""
}

func (m *Manager) TransformHistory(history []providers.Message, sess *session.Session, ectx Context) []providers.Message {
	for _, ext := range m.extensions {
		hook, ok := ext.(HistoryTransformer)
		if !ok {
			continue
		}
		out, err := hook.TransformHistory(history, sess, ectx)
		if err != nil {
			logHookError(ext, "transform_history", err)
			continue
		}
		history = out
	}
	return history
}

func (m *Manager) TransformMessages(messages []providers.Message, ectx Context) []providers.Message {
	for _, ext := range m.extensions {
		hook, ok := ext.(MessagesTransformer)
		if !ok {
			continue
		}
		out, err := hook.TransformMessages(messages, ectx)
		if err != nil {
			logHookError(ext, "transform_messages", err)
			continue
		}
		messages = out
	}
	return messages
}

func (m *Manager) TransformResponse(response string, ectx Context) string {
	for _, ext := range m.extensions {
		hook, ok := ext.(ResponseTransformer)
		if !ok {
			continue
		}
		out, err := hook.TransformResponse(response, ectx)
		if err != nil {
			logHookError(ext, "transform_response", err)
			continue
		}
		response = out
	}
	return response
}

func (m *Manager) PreSessionSave(sess *session.Session, ectx Context) {
	for _, ext := range m.extensions {
		hook, ok := ext.(SessionSaver)
		if !ok {
			continue
		}
		if err := hook.PreSessionSave(sess, ectx); err != nil {
			logHookError(ext, "pre_session_save", err)
		}
	}
}

func logHookError(ext Extension, hook string, err error) {
	logger.ErrorCF("extensions", "Extension hook failed", map[string]interface{}{
		"extension": ext.Name(),
		"hook":      hook,
		"error":     err.Error(),
	})
}
