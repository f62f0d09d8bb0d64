package fal

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/imagine/internal/models"
)

// ImageGenerator runs text-to-image requests on a fal endpoint.
type ImageGenerator struct {
	client       *Client
	endpointID   string
	pollInterval time.Duration
}

// NewImageGenerator creates a generator for endpointID (e.g. fal-ai/flux/dev) polling every pollInterval.
func NewImageGenerator(client *Client, endpointID string, pollInterval time.Duration) *ImageGenerator {
	return &ImageGenerator{
		client:       client,
		endpointID:   endpointID,
		pollInterval: pollInterval,
	}
}

// Generate submits req and waits for the output. Status updates are sent on updates
// without blocking; a slow reader misses intermediate updates.
func (g *ImageGenerator) Generate(ctx context.Context, req models.GenerationRequest, updates chan<- models.QueueUpdate) (*models.ProviderOutput, error) {
	result, err := g.client.Subscribe(ctx, g.endpointID, req, SubscribeOptions{
		PollInterval: g.pollInterval,
		Logs:         true,
		OnQueueUpdate: func(u models.QueueUpdate) {
			log.Debug().
				Str("request_id", u.RequestID).
				Str("status", u.Status).
				Int("logs", len(u.Logs)).
				Msg("Generation status")
			if updates == nil {
				return
			}
			select {
			case updates <- u:
			default:
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return &models.ProviderOutput{RequestID: result.RequestID, Data: result.Data}, nil
}
