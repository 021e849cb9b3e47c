package characters

import (
	"encoding/json"
	"time"
)

// Visibility values for published characters. The zero value behaves as
// public in listing filters.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// SupportedModels enumerates the generation backends a character may prefer.
var SupportedModels = []string{
	"gpt-3.5-turbo-1106",
	"gpt-4-1106-preview",
	"mistral-7b-instruct",
	"mixtral-8x7b-instruct",
	"pplx-7b-chat",
	"pplx-70b-chat",
	"mistral-tiny",
	"mistral-small",
	"mistral-medium",
}

// DefaultModel is assigned when a character does not name a backend.
const DefaultModel = "gpt-3.5-turbo-1106"

// IsSupportedModel reports whether value names a known generation backend.
func IsSupportedModel(value string) bool {
	for _, model := range SupportedModels {
		if model == value {
			return true
		}
	}
	return false
}

// Character is the persisted persona record. Profile fields stay empty until
// the owner fills them in or an enrichment job completes.
type Character struct {
	CharacterID    string    `gorm:"column:character_id;primaryKey;size:190;not null" json:"characterId"`
	CreatorID      string    `gorm:"column:creator_id;size:190;not null;index:idx_characters_creator" json:"creatorId"`
	RemixID        string    `gorm:"column:remix_id;size:190;not null;default:''" json:"remixId,omitempty"`
	Name           string    `gorm:"column:name;size:190;not null;default:''" json:"name"`
	Description    string    `gorm:"column:description;type:text;not null;default:''" json:"description"`
	Instructions   string    `gorm:"column:instructions;type:text;not null;default:''" json:"instructions"`
	GreetingsJSON  string    `gorm:"column:greetings_json;type:text;not null;default:'[]'" json:"-"`
	Model          string    `gorm:"column:model;size:190;not null;default:''" json:"model"`
	CardImageURL   string    `gorm:"column:card_image_url;size:512;not null;default:''" json:"cardImageUrl"`
	LanguageTag    string    `gorm:"column:language_tag;size:190;not null;default:''" json:"languageTag"`
	GenreTag       string    `gorm:"column:genre_tag;size:190;not null;default:''" json:"genreTag"`
	PersonalityTag string    `gorm:"column:personality_tag;size:190;not null;default:''" json:"personalityTag"`
	RoleTag        string    `gorm:"column:role_tag;size:190;not null;default:''" json:"roleTag"`
	EmbeddingJSON  string    `gorm:"column:embedding_json;type:text;not null;default:''" json:"-"`
	NumChats       int64     `gorm:"column:num_chats;not null;default:0;index:idx_characters_num_chats" json:"numChats"`
	IsDraft        bool      `gorm:"column:is_draft;not null;default:true" json:"isDraft"`
	IsArchived     bool      `gorm:"column:is_archived;not null;default:false" json:"isArchived"`
	IsNSFW         bool      `gorm:"column:is_nsfw;not null;default:false" json:"isNSFW"`
	IsBlacklisted  bool      `gorm:"column:is_blacklisted;not null;default:false" json:"isBlacklisted"`
	Visibility     string    `gorm:"column:visibility;size:32;not null;default:''" json:"visibility"`
	CreatedAt      time.Time `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null;index:idx_characters_updated_at" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Character) TableName() string {
	return "characters"
}

// Greetings decodes the ordered greeting list. A malformed column yields an
// empty list rather than an error.
func (c Character) Greetings() []string {
	if c.GreetingsJSON == "" {
		return nil
	}
	var greetings []string
	if err := json.Unmarshal([]byte(c.GreetingsJSON), &greetings); err != nil {
		return nil
	}
	return greetings
}

// Embedding decodes the stored embedding vector, nil when absent.
func (c Character) Embedding() []float32 {
	if c.EmbeddingJSON == "" {
		return nil
	}
	var vector []float32
	if err := json.Unmarshal([]byte(c.EmbeddingJSON), &vector); err != nil {
		return nil
	}
	return vector
}

func encodeGreetings(greetings []string) string {
	if len(greetings) == 0 {
		return "[]"
	}
	encoded, err := json.Marshal(greetings)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

func encodeEmbedding(vector []float32) string {
	if len(vector) == 0 {
		return ""
	}
	encoded, err := json.Marshal(vector)
	if err != nil {
		return ""
	}
	return string(encoded)
}
