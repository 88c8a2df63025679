package memory

import "time"

// Interaction roles. The CHECK constraint on the interactions table and the
// prompt builder agree on these exact strings.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation is a persisted dialogue session between a user and the robot.
type Conversation struct {
	// ID is the caller-assigned conversation identifier
	// (e.g., "conv_20260824_153012").
	ID string

	// UserID identifies the human the conversation belongs to.
	UserID string

	// Summary is an optional caller-supplied description.
	Summary string

	// StartTime is when the conversation was opened.
	StartTime time.Time

	// LastUpdated is bumped on every stored interaction.
	LastUpdated time.Time
}

// Interaction is a single message inside a conversation: what the user said
// or what the assistant replied.
type Interaction struct {
	// ID is the storage-assigned sequence number, unique per store.
	ID int64

	// ConversationID is the conversation this interaction belongs to.
	ConversationID string

	// Role is one of [RoleUser], [RoleAssistant] or [RoleSystem].
	Role string

	// Content is the message text. Assistant content is stored with its
	// expression tags intact so replays can re-animate.
	Content string

	// ModelUsed records which backend and model produced an assistant reply,
	// formatted "<backend>_<model>" (e.g., "cloud_gpt-4o", "local_llama-3"),
	// or a marker such as "fallback_empty". Empty for user messages.
	ModelUsed string

	// Timestamp is when the interaction was recorded.
	Timestamp time.Time
}
