package domain

import "time"

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
	MessageLocation MessageType = "location"
	MessageTemplate MessageType = "template"
)

// Valid reports whether t is a supported message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageAudio, MessageDocument, MessageLocation, MessageTemplate:
		return true
	}
	return false
}

// MessageContext describes one send attempt. Rules read it, never modify it.
type MessageContext struct {
	UserID     int64
	InstanceID int64
	To         string
	Type       MessageType
	Content    string

	TemplateName      string
	TemplateVariables []string

	Timestamp time.Time
	ActorType string
	AuthType  string
	Role      Role

	// AllowedInstances is nil for unrestricted callers.
	AllowedInstances []int64
}

// PolicyDecision is the outcome of a rule or of the whole pipeline.
type PolicyDecision struct {
	Allowed  bool           `json:"allowed"`
	Reason   string         `json:"reason,omitempty"`
	Code     int            `json:"code,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func Allow() PolicyDecision {
	return PolicyDecision{Allowed: true}
}

func Deny(code int, reason string) PolicyDecision {
	return PolicyDecision{Allowed: false, Code: code, Reason: reason}
}
