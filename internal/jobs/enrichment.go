package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/miragelabs/mirage/backend/internal/characters"
	"github.com/miragelabs/mirage/backend/internal/chats"
	"github.com/miragelabs/mirage/backend/internal/llm"
	"github.com/miragelabs/mirage/backend/internal/users"
)

const recentMessageWindow = 20

var errBadPayload = errors.New("jobs: unexpected payload type")

// EnrichmentConfig wires the job handlers to their collaborators.
type EnrichmentConfig struct {
	Characters *characters.Service
	Chats      *chats.Service
	Users      *users.Service
	Provider   llm.Provider
	Logger     *zap.Logger
}

// Enrichment holds the handlers for every generation job kind. Each handler
// re-fetches the entity, no-ops when it was archived or deleted since
// enqueue, calls the provider, and applies the result as one patch.
type Enrichment struct {
	characters *characters.Service
	chats      *chats.Service
	users      *users.Service
	provider   llm.Provider
	logger     *zap.Logger
	scheduler  *Scheduler
}

// NewEnrichment constructs the handler set.
func NewEnrichment(cfg EnrichmentConfig) (*Enrichment, error) {
	if cfg.Characters == nil || cfg.Chats == nil || cfg.Provider == nil {
		return nil, fmt.Errorf("jobs: characters, chats, and provider are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enrichment{
		characters: cfg.Characters,
		chats:      cfg.Chats,
		users:      cfg.Users,
		provider:   cfg.Provider,
		logger:     logger,
	}, nil
}

// RegisterAll binds every enrichment handler to its job kind.
func (e *Enrichment) RegisterAll(scheduler *Scheduler) {
	scheduler.Register(characters.JobGenerateCharacter, e.GenerateCharacter)
	scheduler.Register(characters.JobGenerateInstruction, e.GenerateInstruction)
	scheduler.Register(characters.JobGenerateTags, e.GenerateTags)
	scheduler.Register(characters.JobGenerateCardImage, e.GenerateCardImage)
	scheduler.Register(chats.JobGenerateFollowUps, e.GenerateFollowUps)
	scheduler.Register(chats.JobAnswer, e.Answer)
	e.scheduler = scheduler
}

// GenerateCharacter autofills a freshly inserted draft and chains card image
// generation once the profile is in place.
func (e *Enrichment) GenerateCharacter(ctx context.Context, payload interface{}) error {
	job, ok := payload.(characters.GenerateJobPayload)
	if !ok {
		return fmt.Errorf("%w: %T", errBadPayload, payload)
	}
	character, proceed, err := e.fetchCharacter(ctx, job.CharacterID)
	if err != nil || !proceed {
		return err
	}

	raw, err := e.provider.GenerateText(ctx, llm.CharacterPrompt(), character.Model)
	if err != nil {
		return err
	}
	profile, err := llm.ParseCharacterProfile(raw)
	if err != nil {
		return err
	}
	if _, err := e.characters.Autofill(ctx, job.CharacterID, profile.Name, profile.Description, profile.Instructions, profile.Greeting); err != nil {
		return err
	}

	if e.scheduler != nil {
		e.scheduler.Enqueue(characters.JobGenerateCardImage, characters.CardImageJobPayload{
			UserID:      job.UserID,
			CharacterID: job.CharacterID,
		}, 0)
	}
	return nil
}

// GenerateInstruction regenerates instructions for the supplied name and
// description.
func (e *Enrichment) GenerateInstruction(ctx context.Context, payload interface{}) error {
	job, ok := payload.(characters.InstructionJobPayload)
	if !ok {
		return fmt.Errorf("%w: %T", errBadPayload, payload)
	}
	character, proceed, err := e.fetchCharacter(ctx, job.CharacterID)
	if err != nil || !proceed {
		return err
	}

	raw, err := e.provider.GenerateText(ctx, llm.InstructionPrompt(job.Name, job.Description), character.Model)
	if err != nil {
		return err
	}
	instructions, err := llm.ParseInstructions(raw)
	if err != nil {
		return err
	}
	_, err = e.characters.SetInstructions(ctx, job.CharacterID, instructions)
	return err
}

// GenerateTags classifies the character into the taxonomy dimensions and
// refreshes its similarity embedding. All provider calls complete before any
// patch is applied.
func (e *Enrichment) GenerateTags(ctx context.Context, payload interface{}) error {
	job, ok := payload.(characters.TagJobPayload)
	if !ok {
		return fmt.Errorf("%w: %T", errBadPayload, payload)
	}
	character, proceed, err := e.fetchCharacter(ctx, job.CharacterID)
	if err != nil || !proceed {
		return err
	}

	raw, err := e.provider.GenerateText(ctx, llm.TagPrompt(character.Name, character.Description, character.Instructions), character.Model)
	if err != nil {
		return err
	}
	tags, err := llm.ParseTagSet(raw)
	if err != nil {
		return err
	}
	embedding, err := e.provider.EmbedText(ctx, character.Name+" "+character.Description)
	if err != nil {
		return err
	}

	if _, err := e.characters.ApplyTags(ctx, job.CharacterID, tags.LanguageTag, tags.GenreTag, tags.PersonalityTag, tags.RoleTag); err != nil {
		return err
	}
	_, err = e.characters.SetEmbedding(ctx, job.CharacterID, embedding)
	return err
}

// GenerateCardImage produces the card image and stores its URL.
func (e *Enrichment) GenerateCardImage(ctx context.Context, payload interface{}) error {
	job, ok := payload.(characters.CardImageJobPayload)
	if !ok {
		return fmt.Errorf("%w: %T", errBadPayload, payload)
	}
	character, proceed, err := e.fetchCharacter(ctx, job.CharacterID)
	if err != nil || !proceed {
		return err
	}

	url, err := e.provider.GenerateImage(ctx, llm.CardImagePrompt(character.Name, character.Description))
	if err != nil {
		return err
	}
	_, err = e.characters.SetCardImage(ctx, job.CharacterID, url)
	return err
}

// GenerateFollowUps produces up to three suggested next messages and inserts
// them as a fresh record; existing records are never edited.
func (e *Enrichment) GenerateFollowUps(ctx context.Context, payload interface{}) error {
	job, ok := payload.(chats.FollowUpJobPayload)
	if !ok {
		return fmt.Errorf("%w: %T", errBadPayload, payload)
	}
	if _, err := e.chats.Lookup(ctx, job.ChatID); err != nil {
		if errors.Is(err, chats.ErrNotFound) {
			e.skip("chat deleted before follow-up generation", job.ChatID)
			return nil
		}
		return err
	}
	character, proceed, err := e.fetchCharacter(ctx, job.CharacterID)
	if err != nil || !proceed {
		return err
	}

	recent, err := e.chats.RecentMessages(ctx, job.ChatID, recentMessageWindow)
	if err != nil {
		return err
	}
	prompt := llm.FollowUpPrompt(character.Name, e.personaName(ctx, job.PersonaID), transcript(recent))
	raw, err := e.provider.GenerateText(ctx, prompt, character.Model)
	if err != nil {
		return err
	}
	suggestions, err := llm.ParseFollowUps(raw)
	if err != nil {
		return err
	}
	_, err = e.chats.InsertFollowUps(ctx, job.ChatID, suggestions)
	return err
}

// Answer generates the next chat turn under autopilot, appends it to the
// transcript, and bumps the character's chat counter.
func (e *Enrichment) Answer(ctx context.Context, payload interface{}) error {
	job, ok := payload.(chats.AnswerJobPayload)
	if !ok {
		return fmt.Errorf("%w: %T", errBadPayload, payload)
	}
	if _, err := e.chats.Lookup(ctx, job.ChatID); err != nil {
		if errors.Is(err, chats.ErrNotFound) {
			e.skip("chat deleted before autopilot answer", job.ChatID)
			return nil
		}
		return err
	}
	character, proceed, err := e.fetchCharacter(ctx, job.CharacterID)
	if err != nil || !proceed {
		return err
	}

	recent, err := e.chats.RecentMessages(ctx, job.ChatID, recentMessageWindow)
	if err != nil {
		return err
	}
	prompt := llm.AnswerPrompt(character.Name, character.Instructions, e.personaName(ctx, job.PersonaID), transcript(recent), job.ReverseRole)
	text, err := e.provider.GenerateText(ctx, prompt, character.Model)
	if err != nil {
		return err
	}

	role := chats.RoleCharacter
	personaID := ""
	if job.ReverseRole {
		role = chats.RoleUser
		personaID = job.PersonaID
	}
	if _, err := e.chats.AppendMessage(ctx, job.ChatID, role, text, personaID); err != nil {
		return err
	}
	// The transcript moved past the tail the live suggestions were drafted
	// against.
	if err := e.chats.MarkFollowUpsStale(ctx, job.ChatID); err != nil {
		return err
	}
	_, err = e.characters.BumpNumChats(ctx, job.CharacterID)
	return err
}

// fetchCharacter re-reads the character; a deleted or archived character
// makes the job a logged no-op rather than an error.
func (e *Enrichment) fetchCharacter(ctx context.Context, characterID string) (characters.Character, bool, error) {
	character, err := e.characters.Get(ctx, characterID)
	if errors.Is(err, characters.ErrNotFound) {
		e.skip("character deleted before enrichment", characterID)
		return characters.Character{}, false, nil
	}
	if err != nil {
		return characters.Character{}, false, err
	}
	if character.IsArchived {
		e.skip("character archived before enrichment", characterID)
		return characters.Character{}, false, nil
	}
	return character, true, nil
}

func (e *Enrichment) personaName(ctx context.Context, personaID string) string {
	if e.users == nil || personaID == "" {
		return ""
	}
	persona, err := e.users.GetPersona(ctx, personaID)
	if err != nil {
		return ""
	}
	return persona.Name
}

func (e *Enrichment) skip(reason, entityID string) {
	e.logger.Info("enrichment job skipped",
		zap.String("reason", reason),
		zap.String("entity_id", entityID))
}

func transcript(messages []chats.Message) []string {
	lines := make([]string, 0, len(messages))
	for _, message := range messages {
		lines = append(lines, message.Role+": "+message.Text)
	}
	return lines
}
