package groupchat

import "strings"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	terminateKeyword = "TERMINATE"
	exitKeyword      = "exit"
)

// Message is one appended conversation entry. Name may be empty when the
// author is implied by the recipient.
type Message struct {
	Name    string `json:"name,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// IsTermination reports whether m ends the conversation. TERMINATE from any
// speaker ends it; a message from the human proxy (role user) also ends it
// when it ends with "exit". The suffix check is case-sensitive.
func IsTermination(m Message) bool {
	if strings.TrimSpace(m.Content) == terminateKeyword {
		return true
	}
	if m.Role != RoleUser {
		return false
	}
	return strings.HasSuffix(strings.TrimRight(m.Content, " \t\r\n"), exitKeyword)
}

func lastMessage(messages []Message) (Message, bool) {
	if len(messages) == 0 {
		return Message{}, false
	}
	return messages[len(messages)-1], true
}
