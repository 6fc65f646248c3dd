package domain

import "time"

// InboundMessage is a message received on an instance.
type InboundMessage struct {
	InstanceID int64
	MessageID  string
	From       string // sender address as reported by the protocol client
	Phone      string // bare numeric sender
	Text       string
	IsGroup    bool
	FromMe     bool
	Timestamp  time.Time
}

// Direct reports whether the message came from another party in a one-to-one chat.
func (m InboundMessage) Direct() bool {
	return !m.IsGroup && !m.FromMe
}
