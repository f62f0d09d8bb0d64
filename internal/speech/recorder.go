package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrRecordingUnavailable means no transcription session could be acquired.
	ErrRecordingUnavailable = errors.New("recording unavailable")
	// ErrAlreadyRecording is returned by Start while a session is active or finalizing.
	ErrAlreadyRecording = errors.New("recording already active")
)

// Transcriber opens live speech-to-text sessions.
type Transcriber interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is one live transcription session.
type Stream interface {
	// Send forwards an audio chunk.
	Send(audio []byte) error
	// Finish flushes the session and returns the final transcript recognized so far.
	Finish(ctx context.Context) (string, error)
	// Close aborts the session without waiting for a transcript.
	Close() error
}

// SessionState is the lifecycle of a recording session.
type SessionState int

const (
	StateIdle SessionState = iota
	StateRecording
	StateFinalizing
)

func (s SessionState) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	default:
		return "idle"
	}
}

// Recorder owns at most one recording session at a time.
type Recorder struct {
	mu              sync.Mutex
	transcriber     Transcriber
	finalizeTimeout time.Duration
	state           SessionState
	stream          Stream
}

// NewRecorder creates a recorder. transcriber may be nil, in which case Start always
// reports ErrRecordingUnavailable.
func NewRecorder(transcriber Transcriber, finalizeTimeout time.Duration) *Recorder {
	if finalizeTimeout <= 0 {
		finalizeTimeout = 10 * time.Second
	}
	return &Recorder{
		transcriber:     transcriber,
		finalizeTimeout: finalizeTimeout,
	}
}

// Start begins a recording session. Failures are logged here; the returned error only
// tells the caller that the recorder stayed idle.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateIdle {
		return ErrAlreadyRecording
	}
	if r.transcriber == nil {
		log.Warn().Msg("Voice capture requested but no transcriber is configured")
		return ErrRecordingUnavailable
	}

	stream, err := r.transcriber.Open(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to start recording session")
		return fmt.Errorf("%w: %v", ErrRecordingUnavailable, err)
	}

	r.stream = stream
	r.state = StateRecording
	log.Debug().Msg("Recording session started")
	return nil
}

// Feed forwards an audio chunk to the active session. Ignored unless recording.
func (r *Recorder) Feed(audio []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording || len(audio) == 0 {
		return
	}
	if err := r.stream.Send(audio); err != nil {
		log.Debug().Err(err).Int("bytes", len(audio)).Msg("Failed to forward audio chunk")
	}
}

// Stop ends the session and waits for the final transcript. It returns "" when nothing
// was recognized or the session failed. The recorder is idle afterwards in every case.
func (r *Recorder) Stop(ctx context.Context) string {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return ""
	}
	r.state = StateFinalizing
	stream := r.stream
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.finalizeTimeout)
	defer cancel()

	transcript, err := stream.Finish(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Recording session did not finalize cleanly")
	}

	r.mu.Lock()
	r.stream = nil
	r.state = StateIdle
	r.mu.Unlock()

	transcript = strings.TrimSpace(transcript)
	log.Debug().Int("transcript_len", len(transcript)).Msg("Recording session finished")
	return transcript
}

// Abort drops an active session without a transcript.
func (r *Recorder) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording {
		return
	}
	if err := r.stream.Close(); err != nil {
		log.Debug().Err(err).Msg("Failed to close recording session")
	}
	r.stream = nil
	r.state = StateIdle
}

// State returns the current session state.
func (r *Recorder) State() SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
