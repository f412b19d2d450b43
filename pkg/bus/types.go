package bus

// InboundMessage is a user message flowing from a chat channel to the agent.
type InboundMessage struct {
	Channel       string            `json:"channel"`
	SenderID      string            `json:"sender_id"`
	ChatID        string            `json:"chat_id"`
	Content       string            `json:"content"`
	Media         []string          `json:"media,omitempty"`
	SessionKey    string            `json:"session_key"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// OutboundMessage is an agent response flowing back to a chat channel.
type OutboundMessage struct {
	Channel          string   `json:"channel"`
	ChatID           string   `json:"chat_id"`
	Content          string   `json:"content"`
	Media            []string `json:"media,omitempty"` // local file paths to send
	IsProgressUpdate bool     `json:"is_progress_update,omitempty"`
	Error            bool     `json:"error,omitempty"`
}

type MessageHandler func(InboundMessage) error
