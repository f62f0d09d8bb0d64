package models

import "encoding/json"

// ImageSize is the provider's named output size.
type ImageSize string

const (
	ImageSizeSquareHD     ImageSize = "square_hd"
	ImageSizeSquare       ImageSize = "square"
	ImageSizePortrait43   ImageSize = "portrait_4_3"
	ImageSizePortrait169  ImageSize = "portrait_16_9"
	ImageSizeLandscape43  ImageSize = "landscape_4_3"
	ImageSizeLandscape169 ImageSize = "landscape_16_9"
)

// Valid reports whether s is one of the sizes the provider accepts.
func (s ImageSize) Valid() bool {
	switch s {
	case ImageSizeSquareHD, ImageSizeSquare, ImageSizePortrait43, ImageSizePortrait169,
		ImageSizeLandscape43, ImageSizeLandscape169:
		return true
	}
	return false
}

// Dimensions returns the pixel size the provider renders for s.
func (s ImageSize) Dimensions() (width, height int) {
	switch s {
	case ImageSizeSquare:
		return 512, 512
	case ImageSizePortrait43:
		return 768, 1024
	case ImageSizePortrait169:
		return 576, 1024
	case ImageSizeLandscape43:
		return 1024, 768
	case ImageSizeLandscape169:
		return 1024, 576
	default:
		return 1024, 1024
	}
}

// GenerationRequest is the input sent to the image provider. Immutable once sent.
type GenerationRequest struct {
	Prompt    string    `json:"prompt"`
	ImageSize ImageSize `json:"image_size"`
}

// GenerationResult is the outcome of a completed generation.
type GenerationResult struct {
	ImageURL  string `json:"image_url"`
	RequestID string `json:"request_id,omitempty"`
}

// ProviderOutput is the raw output payload of an image provider. Image providers
// return a JSON object shaped like {"images":[{"url":...}], ...}.
type ProviderOutput struct {
	RequestID string
	Data      json.RawMessage
}

// Queue statuses reported by the provider while a request is pending.
const (
	QueueStatusInQueue    = "IN_QUEUE"
	QueueStatusInProgress = "IN_PROGRESS"
	QueueStatusCompleted  = "COMPLETED"
)

// QueueUpdate is one progress notification received while polling a generation.
type QueueUpdate struct {
	RequestID     string   `json:"request_id"`
	Status        string   `json:"status"`
	QueuePosition *int     `json:"queue_position,omitempty"`
	Logs          []string `json:"logs,omitempty"`
}

// State is the interaction state of one page session.
type State struct {
	Prompt    string `json:"prompt"`
	PromptRev int    `json:"prompt_rev"` // bumped when the server replaces the prompt, not on user edits
	Recording bool   `json:"recording"`
	Loading   bool   `json:"loading"`
	ImageURL  string `json:"image_url"`
	Error     string `json:"error,omitempty"`
	Status    string `json:"status,omitempty"` // last provider queue status while loading
}
