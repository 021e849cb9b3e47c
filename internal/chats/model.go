package chats

import "time"

// Message roles within a chat transcript.
const (
	RoleUser      = "user"
	RoleCharacter = "character"
)

// Chat binds one user to one character. A character may be referenced by
// many chats; the reference carries no ownership.
type Chat struct {
	ChatID      string    `gorm:"column:chat_id;primaryKey;size:190;not null" json:"chatId"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index:idx_chats_user" json:"userId"`
	CharacterID string    `gorm:"column:character_id;size:190;not null;index:idx_chats_character" json:"characterId"`
	ChatName    string    `gorm:"column:chat_name;size:190;not null;default:''" json:"chatName"`
	CreatedAt   time.Time `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Chat) TableName() string {
	return "chats"
}

// Message belongs to exactly one chat, ordered by creation time. The
// composite index makes the most-recent-message lookup an index seek.
type Message struct {
	MessageID string    `gorm:"column:message_id;primaryKey;size:190;not null" json:"messageId"`
	ChatID    string    `gorm:"column:chat_id;size:190;not null;index:idx_messages_chat_time,priority:1" json:"chatId"`
	Role      string    `gorm:"column:role;size:32;not null" json:"role"`
	Text      string    `gorm:"column:text;type:text;not null" json:"text"`
	PersonaID string    `gorm:"column:persona_id;size:190;not null;default:''" json:"personaId,omitempty"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_messages_chat_time,priority:2" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// FollowUp holds up to three suggested next messages for a chat. A newer
// generation inserts a fresh record and marks prior ones stale instead of
// editing them; the authoritative record is the newest one.
type FollowUp struct {
	FollowUpID string    `gorm:"column:follow_up_id;primaryKey;size:190;not null" json:"followUpId"`
	ChatID     string    `gorm:"column:chat_id;size:190;not null;index:idx_follow_ups_chat_time,priority:1" json:"chatId"`
	FollowUp1  string    `gorm:"column:follow_up_1;type:text;not null;default:''" json:"followUp1,omitempty"`
	FollowUp2  string    `gorm:"column:follow_up_2;type:text;not null;default:''" json:"followUp2,omitempty"`
	FollowUp3  string    `gorm:"column:follow_up_3;type:text;not null;default:''" json:"followUp3,omitempty"`
	IsStale    bool      `gorm:"column:is_stale;not null;default:false" json:"isStale"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;index:idx_follow_ups_chat_time,priority:2" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (FollowUp) TableName() string {
	return "follow_ups"
}
