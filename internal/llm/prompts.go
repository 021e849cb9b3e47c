package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CharacterProfile is the structured result of a character autofill
// generation.
type CharacterProfile struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Instructions string `json:"instructions"`
	Greeting     string `json:"greeting"`
}

// TagSet is the structured result of a taxonomy tagging generation.
type TagSet struct {
	LanguageTag    string `json:"languageTag"`
	GenreTag       string `json:"genreTag"`
	PersonalityTag string `json:"personalityTag"`
	RoleTag        string `json:"roleTag"`
}

// CharacterPrompt asks the model to invent a complete character profile.
func CharacterPrompt() string {
	return "Invent an original fictional character for a roleplay chat app. " +
		"Respond with a single JSON object with string fields " +
		`"name", "description", "instructions", "greeting". ` +
		"The description is one or two sentences shown on the character card. " +
		"The instructions describe how the character speaks and behaves. " +
		"The greeting is the character's opening message. " +
		"Respond with JSON only, no commentary."
}

// InstructionPrompt asks the model to write behavioral instructions for an
// existing name and description.
func InstructionPrompt(name, description string) string {
	return fmt.Sprintf("Write concise roleplay instructions for a chat character "+
		"named %q described as: %s. The instructions tell the model how the "+
		"character speaks, its personality, and its boundaries. Respond with a "+
		"single JSON object: {\"instructions\": \"...\"}. JSON only.", name, description)
}

// TagPrompt asks the model to classify a character into the four taxonomy
// dimensions.
func TagPrompt(name, description, instructions string) string {
	return fmt.Sprintf("Classify the following chat character. Respond with a "+
		"single JSON object with string fields \"languageTag\" (ISO language "+
		"name, e.g. English), \"genreTag\" (e.g. Fantasy, Sci-Fi, Romance), "+
		"\"personalityTag\" (e.g. Playful, Stoic), \"roleTag\" (e.g. Companion, "+
		"Mentor, Villain). JSON only.\n\nName: %s\nDescription: %s\nInstructions: %s",
		name, description, instructions)
}

// FollowUpPrompt asks the model for up to three suggested user replies.
func FollowUpPrompt(characterName, personaName string, recentMessages []string) string {
	var transcript strings.Builder
	for _, message := range recentMessages {
		transcript.WriteString(message)
		transcript.WriteString("\n")
	}
	speaker := "the user"
	if personaName != "" {
		speaker = fmt.Sprintf("the user's persona %q", personaName)
	}
	return fmt.Sprintf("Given this conversation with the character %q, suggest up "+
		"to three short next messages %s could send. Respond with a single JSON "+
		"object: {\"followUp1\": \"...\", \"followUp2\": \"...\", \"followUp3\": \"...\"}. "+
		"JSON only.\n\n%s", characterName, speaker, transcript.String())
}

// AnswerPrompt builds the next-turn prompt for an autopilot chat answer.
// When reverseRole is set the model writes the user's side instead of the
// character's.
func AnswerPrompt(characterName, instructions, personaName string, recentMessages []string, reverseRole bool) string {
	var transcript strings.Builder
	for _, message := range recentMessages {
		transcript.WriteString(message)
		transcript.WriteString("\n")
	}
	if reverseRole {
		speaker := "the user"
		if personaName != "" {
			speaker = fmt.Sprintf("the user's persona %q", personaName)
		}
		return fmt.Sprintf("You are writing %s's next message in a conversation with "+
			"the character %q. Stay in character for the user side. Respond with the "+
			"message text only.\n\n%s", speaker, characterName, transcript.String())
	}
	return fmt.Sprintf("You are the character %q. %s\nContinue the conversation with "+
		"the character's next message. Respond with the message text only.\n\n%s",
		characterName, instructions, transcript.String())
}

// CardImagePrompt builds the image prompt for a character card.
func CardImagePrompt(name, description string) string {
	return fmt.Sprintf("Character portrait card art: %s. %s", name, description)
}

// ParseCharacterProfile decodes a character profile from raw model output.
func ParseCharacterProfile(raw string) (CharacterProfile, error) {
	var profile CharacterProfile
	if err := decodeJSONBlock(raw, &profile); err != nil {
		return CharacterProfile{}, err
	}
	if profile.Name == "" || profile.Greeting == "" {
		return CharacterProfile{}, fmt.Errorf("%w: profile missing name or greeting", ErrProvider)
	}
	return profile, nil
}

// ParseInstructions decodes an instructions-only response.
func ParseInstructions(raw string) (string, error) {
	var decoded struct {
		Instructions string `json:"instructions"`
	}
	if err := decodeJSONBlock(raw, &decoded); err != nil {
		return "", err
	}
	if decoded.Instructions == "" {
		return "", fmt.Errorf("%w: empty instructions", ErrProvider)
	}
	return decoded.Instructions, nil
}

// ParseTagSet decodes a tag classification response.
func ParseTagSet(raw string) (TagSet, error) {
	var tags TagSet
	if err := decodeJSONBlock(raw, &tags); err != nil {
		return TagSet{}, err
	}
	if tags.LanguageTag == "" {
		return TagSet{}, fmt.Errorf("%w: classification missing language tag", ErrProvider)
	}
	return tags, nil
}

// ParseFollowUps decodes up to three suggestions, dropping empty slots.
func ParseFollowUps(raw string) ([]string, error) {
	var decoded struct {
		FollowUp1 string `json:"followUp1"`
		FollowUp2 string `json:"followUp2"`
		FollowUp3 string `json:"followUp3"`
	}
	if err := decodeJSONBlock(raw, &decoded); err != nil {
		return nil, err
	}
	suggestions := make([]string, 0, 3)
	for _, suggestion := range []string{decoded.FollowUp1, decoded.FollowUp2, decoded.FollowUp3} {
		if trimmed := strings.TrimSpace(suggestion); trimmed != "" {
			suggestions = append(suggestions, trimmed)
		}
	}
	if len(suggestions) == 0 {
		return nil, fmt.Errorf("%w: no follow-up suggestions", ErrProvider)
	}
	return suggestions, nil
}

// decodeJSONBlock extracts the first JSON object from model output, which
// may be wrapped in prose or markdown fences, and unmarshals it.
func decodeJSONBlock(raw string, target interface{}) error {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("%w: no JSON object in response", ErrProvider)
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), target); err != nil {
		return fmt.Errorf("%w: malformed JSON in response: %v", ErrProvider, err)
	}
	return nil
}
