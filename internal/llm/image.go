package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/imagine/internal/models"
	"google.golang.org/genai"
)

// inlineImage is an image returned inline by Gemini.
type inlineImage struct {
	Data     []byte
	MIMEType string
}

// imagePayload mirrors the fal text-to-image output so both providers share one extraction path.
type imagePayload struct {
	Images []payloadImage `json:"images"`
	Prompt string         `json:"prompt"`
}

type payloadImage struct {
	URL         string `json:"url"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	ContentType string `json:"content_type"`
}

// Generate generates an image with Gemini and returns it as a data URL inside an
// {"images":[{"url":...}]} payload. Gemini answers synchronously, so updates only
// sees IN_PROGRESS and COMPLETED.
func (c *Client) Generate(ctx context.Context, req models.GenerationRequest, updates chan<- models.QueueUpdate) (*models.ProviderOutput, error) {
	requestID := uuid.New().String()
	notify(updates, models.QueueUpdate{RequestID: requestID, Status: models.QueueStatusInProgress})

	img, err := c.generateImage(ctx, imagePrompt(req))
	if err != nil {
		log.Error().Err(err).
			Str("model", c.modelImage).
			Str("prompt_preview", promptPreview(req.Prompt, 80)).
			Msg("Gemini image generation failed")
		return nil, err
	}
	notify(updates, models.QueueUpdate{RequestID: requestID, Status: models.QueueStatusCompleted})

	width, height := req.ImageSize.Dimensions()
	data, err := json.Marshal(imagePayload{
		Images: []payloadImage{{
			URL:         dataURL(img),
			Width:       width,
			Height:      height,
			ContentType: img.MIMEType,
		}},
		Prompt: req.Prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal image payload: %w", err)
	}
	return &models.ProviderOutput{RequestID: requestID, Data: data}, nil
}

// generateImage calls Gemini with IMAGE response modality and returns the first inline image.
func (c *Client) generateImage(ctx context.Context, prompt string) (*inlineImage, error) {
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}

	resp, err := c.genai.Models.GenerateContent(ctx, c.modelImage, genai.Text(prompt), config)
	if err != nil {
		return nil, err
	}

	for i, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for j, part := range cand.Content.Parts {
			if part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			log.Info().
				Str("caller", "GenerateImage").
				Int("image_size_bytes", len(part.InlineData.Data)).
				Str("mime_type", part.InlineData.MIMEType).
				Int("candidate", i).
				Int("part", j).
				Msg("Gemini response (image blob)")
			mimeType := part.InlineData.MIMEType
			if mimeType == "" {
				mimeType = "image/png"
			}
			return &inlineImage{Data: part.InlineData.Data, MIMEType: mimeType}, nil
		}
	}

	log.Warn().
		Str("model", c.modelImage).
		Int("candidates", len(resp.Candidates)).
		Msg("No image blob in Gemini response")
	return nil, fmt.Errorf("no image blob in response")
}

// imagePrompt adds the requested framing, since Gemini has no named size presets.
func imagePrompt(req models.GenerationRequest) string {
	width, height := req.ImageSize.Dimensions()
	switch {
	case width > height:
		return req.Prompt + " (landscape composition)"
	case height > width:
		return req.Prompt + " (portrait composition)"
	default:
		return req.Prompt + " (square composition)"
	}
}

func promptPreview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func dataURL(img *inlineImage) string {
	return "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

func notify(updates chan<- models.QueueUpdate, u models.QueueUpdate) {
	if updates == nil {
		return
	}
	select {
	case updates <- u:
	default:
	}
}
