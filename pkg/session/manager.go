package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/providers"
)

// Session is one conversation keyed by "channel:chat_id". Metadata is
// free-form and owned by extensions (compaction stores its summary and
// archive bookkeeping there).
type Session struct {
	Key       string                 `json:"key"`
	Messages  []providers.Message    `json:"messages"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	storage  string
}

func NewManager(storage string) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		storage:  storage,
	}

	if storage != "" {
		os.MkdirAll(storage, 0o755)
		m.loadSessions()
	}

	return m
}

func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(key)
}

func (m *Manager) getOrCreateLocked(key string) *Session {
	session, ok := m.sessions[key]
	if ok {
		return session
	}

	session = &Session{
		Key:       key,
		Messages:  []providers.Message{},
		Metadata:  map[string]interface{}{},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	m.sessions[key] = session
	return session
}

func (m *Manager) AddMessage(key, role, content string) {
	m.AddFullMessage(key, providers.Message{Role: role, Content: content})
}

// AddFullMessage appends a complete message, preserving tool calls and
// tool call IDs so the conversation flow survives restarts.
func (m *Manager) AddFullMessage(key string, msg providers.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := m.getOrCreateLocked(key)
	session.Messages = append(session.Messages, msg)
	session.UpdatedAt = time.Now()
}

// GetHistory returns a copy of the session's messages.
func (m *Manager) GetHistory(key string) []providers.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[key]
	if !ok {
		return []providers.Message{}
	}

	history := make([]providers.Message, len(session.Messages))
	copy(history, session.Messages)
	return history
}

// SetHistory replaces the messages of a session.
func (m *Manager) SetHistory(key string, history []providers.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := m.getOrCreateLocked(key)
	msgs := make([]providers.Message, len(history))
	copy(msgs, history)
	session.Messages = msgs
	session.UpdatedAt = time.Now()
}

func (m *Manager) Clear(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[key]
	if !ok {
		return
	}
	session.Messages = []providers.Message{}
	session.UpdatedAt = time.Now()
}

// GetMetadata returns a copy of the session's metadata map.
func (m *Manager) GetMetadata(key string) map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[key]
	if !ok || session.Metadata == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(session.Metadata))
	for k, v := range session.Metadata {
		out[k] = v
	}
	return out
}

func (m *Manager) SetMetadata(key, field string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := m.getOrCreateLocked(key)
	if session.Metadata == nil {
		session.Metadata = map[string]interface{}{}
	}
	session.Metadata[field] = value
	session.UpdatedAt = time.Now()
}

// sanitizeFilename converts a session key into a cross-platform safe
// filename. Keys use "channel:chat_id" but ':' is the volume separator
// on Windows, so it becomes '_'. The original key stays inside the JSON
// file, so loadSessions maps back to the right in-memory key.
func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}

func (m *Manager) Save(key string) error {
	if m.storage == "" {
		return nil
	}

	filename := sanitizeFilename(key)

	// filepath.IsLocal rejects empty names, "..", absolute paths, and
	// OS-reserved device names. The extra checks keep the file directly
	// inside m.storage.
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return os.ErrInvalid
	}

	// Snapshot under read lock, then do slow file I/O after unlock.
	m.mu.RLock()
	stored, ok := m.sessions[key]
	if !ok {
		m.mu.RUnlock()
		return nil
	}

	snapshot := Session{
		Key:       stored.Key,
		CreatedAt: stored.CreatedAt,
		UpdatedAt: stored.UpdatedAt,
	}
	snapshot.Messages = make([]providers.Message, len(stored.Messages))
	copy(snapshot.Messages, stored.Messages)
	if len(stored.Metadata) > 0 {
		snapshot.Metadata = make(map[string]interface{}, len(stored.Metadata))
		for k, v := range stored.Metadata {
			snapshot.Metadata[k] = v
		}
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	sessionPath := filepath.Join(m.storage, filename+".json")
	tmpFile, err := os.CreateTemp(m.storage, "session-*.tmp")
	if err != nil {
		return err
	}

	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(0o644); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, sessionPath); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (m *Manager) loadSessions() error {
	files, err := os.ReadDir(m.storage)
	if err != nil {
		return err
	}

	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(m.storage, file.Name()))
		if err != nil {
			continue
		}

		var session Session
		if err := json.Unmarshal(data, &session); err != nil {
			continue
		}

		m.sessions[session.Key] = &session
	}

	return nil
}

// SanitizeHistory removes orphaned tool calls from session history.
// An orphaned tool call is an assistant message containing ToolCalls
// where one or more call IDs have no matching tool-result message
// following it, which happens if the process died mid-execution.
// Returns the sanitized history and the number of messages removed.
func SanitizeHistory(history []providers.Message) ([]providers.Message, int) {
	if len(history) == 0 {
		return history, 0
	}

	original := len(history)

	for len(history) > 0 {
		last := history[len(history)-1]

		if last.Role == "tool" {
			assistantIdx := -1
			for i := len(history) - 2; i >= 0; i-- {
				if history[i].Role == "assistant" && len(history[i].ToolCalls) > 0 {
					assistantIdx = i
					break
				}
			}

			if assistantIdx < 0 {
				// Tool result with no parent assistant message
				history = history[:len(history)-1]
				continue
			}

			expected := make(map[string]bool)
			for _, tc := range history[assistantIdx].ToolCalls {
				expected[tc.ID] = true
			}
			for i := assistantIdx + 1; i < len(history); i++ {
				if history[i].Role == "tool" && expected[history[i].ToolCallID] {
					delete(expected, history[i].ToolCallID)
				}
			}

			if len(expected) > 0 {
				// Incomplete group, drop it entirely
				history = history[:assistantIdx]
				continue
			}
			break
		}

		if last.Role == "assistant" && len(last.ToolCalls) > 0 {
			// No tool results follow at all
			history = history[:len(history)-1]
			continue
		}

		break
	}

	return history, original - len(history)
}
