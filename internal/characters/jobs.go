package characters

import "time"

// Job kinds enqueued by the character mutation gateway. Handlers live in the
// jobs package and apply their results through the system patch methods.
const (
	JobGenerateCharacter   = "character.generate"
	JobGenerateInstruction = "character.instruction"
	JobGenerateTags        = "character.tags"
	JobGenerateCardImage   = "character.card_image"
)

// GenerateJobPayload drives full character autofill on a fresh draft.
type GenerateJobPayload struct {
	UserID      string
	CharacterID string
}

// InstructionJobPayload drives instruction-only generation.
type InstructionJobPayload struct {
	UserID      string
	CharacterID string
	Name        string
	Description string
}

// TagJobPayload drives taxonomy tagging and embedding refresh.
type TagJobPayload struct {
	UserID      string
	CharacterID string
}

// CardImageJobPayload drives card image generation.
type CardImageJobPayload struct {
	UserID      string
	CharacterID string
}

// JobEnqueuer is the fire-and-forget scheduling boundary. Enqueue must not
// block; delivery is at-least-once and handlers are idempotent.
type JobEnqueuer interface {
	Enqueue(kind string, payload interface{}, delay time.Duration)
}

// ChangePublisher receives the post-patch snapshot after every committed
// character mutation.
type ChangePublisher interface {
	PublishCharacterChange(character Character)
}
