package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/imagine/internal/models"
)

var (
	// ErrEmptyPrompt is returned without contacting the provider when the prompt is blank.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrTransport wraps network and provider failures.
	ErrTransport = errors.New("generation did not complete")
	// ErrMalformedPayload means the provider succeeded but returned no image URL.
	ErrMalformedPayload = errors.New("generation returned no image")
)

// maxPayloadLogBytes bounds how much of a malformed payload is logged.
const maxPayloadLogBytes = 2048

// Provider runs one generation request to completion.
type Provider interface {
	Generate(ctx context.Context, req models.GenerationRequest, updates chan<- models.QueueUpdate) (*models.ProviderOutput, error)
}

// Controller turns a prompt into an image URL using an image provider.
type Controller struct {
	provider  Provider
	imageSize models.ImageSize
	timeout   time.Duration
}

// NewController creates a controller. A zero timeout disables the per-call deadline.
func NewController(provider Provider, imageSize models.ImageSize, timeout time.Duration) *Controller {
	if imageSize == "" {
		imageSize = models.ImageSizeSquareHD
	}
	return &Controller{
		provider:  provider,
		imageSize: imageSize,
		timeout:   timeout,
	}
}

// Generate sends prompt to the provider and extracts the first image URL from the result.
// Progress is reported on updates (may be nil). Errors wrap ErrEmptyPrompt, ErrTransport
// or ErrMalformedPayload; cancellation and timeout also satisfy errors.Is with the context errors.
func (c *Controller) Generate(ctx context.Context, prompt string, updates chan<- models.QueueUpdate) (*models.GenerationResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := models.GenerationRequest{Prompt: prompt, ImageSize: c.imageSize}

	log.Info().
		Str("prompt_preview", preview(prompt, 80)).
		Str("image_size", string(req.ImageSize)).
		Msg("Starting image generation")

	out, err := c.provider.Generate(ctx, req, updates)
	if err != nil {
		log.Error().Err(err).Str("prompt_preview", preview(prompt, 80)).Msg("Image generation failed")
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: provider returned no output", ErrMalformedPayload)
	}

	imageURL, err := ExtractImageURL(out.Data)
	if err != nil {
		log.Error().
			Err(err).
			Str("request_id", out.RequestID).
			Str("payload", preview(string(out.Data), maxPayloadLogBytes)).
			Msg("No image URL in the response")
		return nil, err
	}

	log.Info().
		Str("request_id", out.RequestID).
		Str("image_url", imageURL).
		Msg("Image generation completed")

	return &models.GenerationResult{ImageURL: imageURL, RequestID: out.RequestID}, nil
}

// ExtractImageURL returns images[0].url from a provider payload.
func ExtractImageURL(data json.RawMessage) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	var payload struct {
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(payload.Images) == 0 || payload.Images[0].URL == "" {
		return "", fmt.Errorf("%w: images[0].url missing", ErrMalformedPayload)
	}
	return payload.Images[0].URL, nil
}

// preview cuts s to at most n bytes without splitting a rune.
func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
