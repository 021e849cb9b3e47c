package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const (
	geminiChatModel      = "gemini-1.5-flash-latest"
	geminiEmbeddingModel = "text-embedding-004"

	imageRequestTimeout = 60 * time.Second
)

// GeminiConfig configures the Gemini-backed provider.
type GeminiConfig struct {
	APIKey string
	// ChatModel overrides the default Gemini chat model.
	ChatModel string
	// ImageEndpoint is an HTTP endpoint accepting {"prompt": ...} and
	// returning {"url": ...}. Empty disables image generation.
	ImageEndpoint string
	// HTTPClient is used for image requests; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// GeminiProvider implements Provider against the Google generative AI API
// for text and embeddings, and a pluggable HTTP endpoint for card images.
type GeminiProvider struct {
	client        *genai.Client
	chatModel     string
	imageEndpoint string
	httpClient    *http.Client
}

// NewGeminiProvider constructs the provider and its API client.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("llm: gemini api key required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("llm: create genai client: %w", err)
	}
	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = geminiChatModel
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GeminiProvider{
		client:        client,
		chatModel:     chatModel,
		imageEndpoint: cfg.ImageEndpoint,
		httpClient:    httpClient,
	}, nil
}

// Close releases the underlying API client.
func (p *GeminiProvider) Close() error {
	return p.client.Close()
}

// GenerateText produces a completion for the prompt. The requested backend
// model is a preference recorded on the character; all text generation is
// served by the configured Gemini model.
func (p *GeminiProvider) GenerateText(ctx context.Context, prompt, model string) (string, error) {
	_ = model
	generative := p.client.GenerativeModel(p.chatModel)

	resp, err := generative.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("%w: generate content: %v", ErrProvider, err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("%w: empty completion", ErrProvider)
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("%w: non-text completion", ErrProvider)
	}
	return text.String(), nil
}

// EmbedText returns the embedding vector for the text.
func (p *GeminiProvider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	embedder := p.client.EmbeddingModel(geminiEmbeddingModel)
	res, err := embedder.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("%w: embed content: %v", ErrProvider, err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrProvider)
	}
	return res.Embedding.Values, nil
}

type imageRequest struct {
	Prompt string `json:"prompt"`
}

type imageResponse struct {
	URL string `json:"url"`
}

// GenerateImage posts the prompt to the configured image endpoint and
// returns the issued URL.
func (p *GeminiProvider) GenerateImage(ctx context.Context, prompt string) (string, error) {
	if p.imageEndpoint == "" {
		return "", fmt.Errorf("%w: image generation not configured", ErrProvider)
	}

	body, err := json.Marshal(imageRequest{Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("%w: encode image request: %v", ErrProvider, err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, imageRequestTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodPost, p.imageEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build image request: %v", ErrProvider, err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := p.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: image request failed: %v", ErrProvider, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: image endpoint returned %d", ErrProvider, response.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read image response: %v", ErrProvider, err)
	}
	var decoded imageResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fmt.Errorf("%w: decode image response: %v", ErrProvider, err)
	}
	if decoded.URL == "" {
		return "", fmt.Errorf("%w: image endpoint returned no url", ErrProvider)
	}
	return decoded.URL, nil
}
