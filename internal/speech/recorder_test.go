package speech

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeStream records audio and answers Finish with a fixed transcript.
type fakeStream struct {
	mu         sync.Mutex
	chunks     [][]byte
	transcript string
	finishErr  error
	finishWait time.Duration
	closed     bool
}

func (s *fakeStream) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, audio)
	return nil
}

func (s *fakeStream) Finish(ctx context.Context) (string, error) {
	if s.finishWait > 0 {
		select {
		case <-time.After(s.finishWait):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.transcript, s.finishErr
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeTranscriber struct {
	stream  *fakeStream
	openErr error
	opens   int
}

func (f *fakeTranscriber) Open(ctx context.Context) (Stream, error) {
	f.opens++
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.stream, nil
}

func TestRecorder_StartFeedStop(t *testing.T) {
	stream := &fakeStream{transcript: "  a red fox  "}
	r := NewRecorder(&fakeTranscriber{stream: stream}, time.Second)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.State() != StateRecording {
		t.Errorf("expected recording, got %s", r.State())
	}
	r.Feed([]byte{1, 2})
	r.Feed(nil)
	r.Feed([]byte{3})

	got := r.Stop(context.Background())
	if got != "a red fox" {
		t.Errorf("expected %q, got %q", "a red fox", got)
	}
	if r.State() != StateIdle {
		t.Errorf("expected idle after stop, got %s", r.State())
	}
	if len(stream.chunks) != 2 {
		t.Errorf("expected 2 chunks forwarded, got %d", len(stream.chunks))
	}
}

// TestRecorder_StartFailureStaysIdle asserts a failed start leaves no session behind.
func TestRecorder_StartFailureStaysIdle(t *testing.T) {
	tests := []struct {
		name        string
		transcriber Transcriber
	}{
		{name: "no transcriber", transcriber: nil},
		{name: "open fails", transcriber: &fakeTranscriber{openErr: errors.New("permission denied")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRecorder(tt.transcriber, time.Second)

			err := r.Start(context.Background())
			if !errors.Is(err, ErrRecordingUnavailable) {
				t.Errorf("expected ErrRecordingUnavailable, got %v", err)
			}
			if r.State() != StateIdle {
				t.Errorf("expected idle, got %s", r.State())
			}
			r.Feed([]byte{1})
			if got := r.Stop(context.Background()); got != "" {
				t.Errorf("expected empty transcript, got %q", got)
			}
		})
	}
}

func TestRecorder_DoubleStart(t *testing.T) {
	ft := &fakeTranscriber{stream: &fakeStream{}}
	r := NewRecorder(ft, time.Second)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(context.Background()); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("expected ErrAlreadyRecording, got %v", err)
	}
	if ft.opens != 1 {
		t.Errorf("expected one session, got %d", ft.opens)
	}
}

// TestRecorder_FinalizeTimeout asserts Stop gives up and returns to idle.
func TestRecorder_FinalizeTimeout(t *testing.T) {
	stream := &fakeStream{transcript: "late", finishWait: time.Second}
	r := NewRecorder(&fakeTranscriber{stream: stream}, 20*time.Millisecond)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := r.Stop(context.Background()); got != "" {
		t.Errorf("expected empty transcript on timeout, got %q", got)
	}
	if r.State() != StateIdle {
		t.Errorf("expected idle, got %s", r.State())
	}
}

func TestRecorder_FinishErrorKeepsPartialTranscript(t *testing.T) {
	stream := &fakeStream{transcript: "a castle", finishErr: errors.New("connection lost")}
	r := NewRecorder(&fakeTranscriber{stream: stream}, time.Second)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := r.Stop(context.Background()); got != "a castle" {
		t.Errorf("expected partial transcript, got %q", got)
	}
}

func TestRecorder_Abort(t *testing.T) {
	stream := &fakeStream{transcript: "ignored"}
	r := NewRecorder(&fakeTranscriber{stream: stream}, time.Second)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Abort()

	if !stream.closed {
		t.Errorf("expected stream closed")
	}
	if r.State() != StateIdle {
		t.Errorf("expected idle, got %s", r.State())
	}
	if got := r.Stop(context.Background()); got != "" {
		t.Errorf("expected no transcript after abort, got %q", got)
	}
}
