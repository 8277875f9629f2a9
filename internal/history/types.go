package history

import "time"

// Conversation roles recorded in history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleDelegate  = "delegate"
)

// Turn is one completed conversational turn, text only. Tag payloads and
// delegation results are recorded as ordinary turns so a replayed history
// reads as plain dialogue.
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}
