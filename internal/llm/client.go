package llm

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// Client wraps the Gemini API client used for image generation
type Client struct {
	modelImage string
	genai      *genai.Client
}

// NewClient creates a new Gemini client.
// apiEndpoint: optional Gemini API base URL (e.g. http://host.docker.internal:31300/gemini); when set, all Gemini calls use this endpoint.
func NewClient(ctx context.Context, apiKey, modelImage, apiEndpoint string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelImage == "" {
		modelImage = "gemini-2.5-flash-image"
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if apiEndpoint != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: apiEndpoint}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	log.Info().
		Str("model_image", modelImage).
		Str("api_endpoint", apiEndpoint).
		Msg("Gemini client initialized")

	return &Client{
		modelImage: modelImage,
		genai:      client,
	}, nil
}
