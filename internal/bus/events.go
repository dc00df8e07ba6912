package bus

import "time"

type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

// OutboundMessage is a one-way display event. An empty Channel reaches every
// subscribed channel.
type OutboundMessage struct {
	Channel   string
	ChatID    string
	Author    string
	Avatar    string
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

// Label renders the author with its avatar, e.g. "🗓 Planner".
func (m OutboundMessage) Label() string {
	switch {
	case m.Avatar != "" && m.Author != "":
		return m.Avatar + " " + m.Author
	case m.Author != "":
		return m.Author
	default:
		return m.Avatar
	}
}
