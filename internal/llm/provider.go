package llm

import (
	"context"
	"errors"
)

// ErrProvider wraps any failure of an external generation call. Job handlers
// match on it to log-and-drop instead of propagating.
var ErrProvider = errors.New("llm: provider error")

// Provider is the generation boundary. Implementations are black boxes;
// failures surface as ErrProvider-wrapped errors and never partial results.
type Provider interface {
	// GenerateText produces a completion for the prompt. The model value is
	// the character's preferred backend and may be remapped by the
	// implementation.
	GenerateText(ctx context.Context, prompt, model string) (string, error)
	// GenerateImage produces a card image for the prompt and returns a URL
	// for the stored object.
	GenerateImage(ctx context.Context, prompt string) (string, error)
	// EmbedText returns the embedding vector for the text.
	EmbedText(ctx context.Context, text string) ([]float32, error)
}
