package invoke

import "strings"

// Message roles used when flattening conversation context into a prompt.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one (role, content) pair of conversation context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FlattenMessages converts chat-style messages into a single prompt string.
// System messages are prefixed "[System]: ", assistant messages
// "[Assistant]: ", user messages pass through unmodified; parts are joined
// by a blank line. Unknown roles are treated as user messages.
func FlattenMessages(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			parts = append(parts, "[System]: "+msg.Content)
		case RoleAssistant:
			parts = append(parts, "[Assistant]: "+msg.Content)
		default:
			parts = append(parts, msg.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}
