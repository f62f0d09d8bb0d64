package studio

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/imagine/internal/generation"
	"github.com/snappy-loop/imagine/internal/models"
)

// User-visible messages for failed generations.
const (
	msgGenerationFailed  = "Image generation did not complete. Please try again."
	msgGenerationNoImage = "The image service did not return an image. Please try again."
	msgGenerationTimeout = "Image generation timed out. Please try again."
)

// Recorder is the voice capture side of a session.
type Recorder interface {
	Start(ctx context.Context) error
	Feed(audio []byte)
	Stop(ctx context.Context) string
	Abort()
}

// Generator turns a prompt into an image URL.
type Generator interface {
	Generate(ctx context.Context, prompt string, updates chan<- models.QueueUpdate) (*models.GenerationResult, error)
}

// Event types delivered to an Observer.
const (
	EventState    = "state"
	EventProgress = "progress"
)

// Event is a state snapshot or a generation progress notification.
type Event struct {
	Type   string              `json:"type"`
	State  *models.State       `json:"state,omitempty"`
	Update *models.QueueUpdate `json:"update,omitempty"`
}

// Observer receives every event of a session, in order. It is called with the
// session lock held and must not call back into the session.
type Observer func(Event)

// Session coordinates one page: prompt text, voice capture and image generation.
type Session struct {
	id        string
	recorder  Recorder
	generator Generator
	observe   Observer

	ctx      context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup

	mu        sync.Mutex
	state     models.State
	voiceBusy bool
	cancelGen context.CancelFunc
	closed    bool
}

// NewSession creates a session. observe may be nil.
func NewSession(recorder Recorder, generator Generator, observe Observer) *Session {
	if observe == nil {
		observe = func(Event) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        uuid.New().String(),
		recorder:  recorder,
		generator: generator,
		observe:   observe,
		ctx:       ctx,
		shutdown:  cancel,
	}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// Snapshot returns the current state.
func (s *Session) Snapshot() models.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Publish sends the current state to the observer.
func (s *Session) Publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked()
}

// SetPrompt records the user's prompt text. Always allowed. It publishes nothing:
// the client already shows what was typed, and an echo could overwrite newer input.
func (s *Session) SetPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Prompt = prompt
}

// ToggleVoice starts a recording when idle, or stops the active one and replaces the
// prompt with the transcript when one was recognized. Toggles are ignored while a
// previous toggle is still starting or finalizing.
func (s *Session) ToggleVoice(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.voiceBusy || s.recorder == nil {
		s.mu.Unlock()
		return
	}
	s.voiceBusy = true
	recording := s.state.Recording
	if recording {
		s.state.Recording = false
		s.publishLocked()
	}
	s.mu.Unlock()

	if !recording {
		err := s.recorder.Start(ctx)

		s.mu.Lock()
		defer s.mu.Unlock()
		s.voiceBusy = false
		if err != nil {
			log.Debug().Err(err).Str("session_id", s.id).Msg("Voice capture stayed idle")
			s.publishLocked()
			return
		}
		if s.closed {
			s.recorder.Abort()
			return
		}
		s.state.Recording = true
		s.publishLocked()
		return
	}

	transcript := s.recorder.Stop(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.voiceBusy = false
	if transcript != "" {
		s.state.Prompt = transcript
		s.state.PromptRev++
		log.Info().Str("session_id", s.id).Int("transcript_len", len(transcript)).Msg("Prompt set from voice")
	}
	s.publishLocked()
}

// Feed forwards browser audio to the active recording.
func (s *Session) Feed(audio []byte) {
	if s.recorder == nil {
		return
	}
	s.recorder.Feed(audio)
}

// Generate starts a generation for the current prompt. It is a no-op returning false
// when the prompt is empty or a generation is already running.
func (s *Session) Generate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.state.Loading || strings.TrimSpace(s.state.Prompt) == "" {
		return false
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelGen = cancel
	s.state.Loading = true
	s.state.Error = ""
	s.state.Status = ""
	s.publishLocked()

	s.wg.Add(1)
	go s.runGeneration(ctx, cancel, s.state.Prompt)
	return true
}

// Cancel aborts the running generation. Returns false when nothing is running.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelGen == nil {
		return false
	}
	s.cancelGen()
	return true
}

// Close cancels running work, drops an active recording and waits for background
// goroutines to finish.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.shutdown()
	if s.state.Recording && s.recorder != nil {
		s.recorder.Abort()
		s.state.Recording = false
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Session) runGeneration(ctx context.Context, cancel context.CancelFunc, prompt string) {
	defer s.wg.Done()
	defer cancel()

	updates := make(chan models.QueueUpdate, 16)
	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		for u := range updates {
			s.mu.Lock()
			s.state.Status = u.Status
			s.observe(Event{Type: EventProgress, Update: &u})
			s.mu.Unlock()
		}
	}()

	result, err := s.generator.Generate(ctx, prompt, updates)
	if err == nil && result == nil {
		err = generation.ErrMalformedPayload
	}
	close(updates)
	<-relayed

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Loading = false
	s.state.Status = ""
	s.cancelGen = nil

	switch {
	case err == nil:
		s.state.ImageURL = result.ImageURL
	case errors.Is(err, context.Canceled):
		log.Info().Str("session_id", s.id).Msg("Generation cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		s.state.Error = msgGenerationTimeout
	case errors.Is(err, generation.ErrMalformedPayload):
		s.state.Error = msgGenerationNoImage
	default:
		s.state.Error = msgGenerationFailed
	}
	if err != nil {
		log.Warn().Err(err).Str("session_id", s.id).Msg("Generation settled without image")
	}
	s.publishLocked()
}

func (s *Session) publishLocked() {
	snapshot := s.state
	s.observe(Event{Type: EventState, State: &snapshot})
}
