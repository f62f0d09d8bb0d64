package generation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/snappy-loop/imagine/internal/models"
)

// fakeProvider is a minimal Provider for tests.
type fakeProvider struct {
	calls    int
	lastReq  models.GenerationRequest
	generate func(context.Context, models.GenerationRequest, chan<- models.QueueUpdate) (*models.ProviderOutput, error)
}

func (f *fakeProvider) Generate(ctx context.Context, req models.GenerationRequest, updates chan<- models.QueueUpdate) (*models.ProviderOutput, error) {
	f.calls++
	f.lastReq = req
	if f.generate != nil {
		return f.generate(ctx, req, updates)
	}
	return &models.ProviderOutput{RequestID: "req-1", Data: json.RawMessage(`{"images":[{"url":"https://x/img.png"}]}`)}, nil
}

func TestGenerate_ReturnsFirstImageURL(t *testing.T) {
	p := &fakeProvider{}
	c := NewController(p, "", time.Minute)

	res, err := c.Generate(context.Background(), "a castle at sunset", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.ImageURL != "https://x/img.png" {
		t.Errorf("expected https://x/img.png, got %q", res.ImageURL)
	}
	if res.RequestID != "req-1" {
		t.Errorf("expected req-1, got %q", res.RequestID)
	}
	if p.lastReq.Prompt != "a castle at sunset" || p.lastReq.ImageSize != models.ImageSizeSquareHD {
		t.Errorf("unexpected provider request %+v", p.lastReq)
	}
}

// TestGenerate_EmptyPrompt asserts no provider call is made for blank prompts.
func TestGenerate_EmptyPrompt(t *testing.T) {
	for _, prompt := range []string{"", "   ", "\n\t"} {
		p := &fakeProvider{}
		c := NewController(p, models.ImageSizeSquareHD, 0)

		_, err := c.Generate(context.Background(), prompt, nil)
		if !errors.Is(err, ErrEmptyPrompt) {
			t.Errorf("prompt %q: expected ErrEmptyPrompt, got %v", prompt, err)
		}
		if p.calls != 0 {
			t.Errorf("prompt %q: expected no provider call, got %d", prompt, p.calls)
		}
	}
}

func TestGenerate_MalformedPayload(t *testing.T) {
	p := &fakeProvider{
		generate: func(context.Context, models.GenerationRequest, chan<- models.QueueUpdate) (*models.ProviderOutput, error) {
			return &models.ProviderOutput{RequestID: "req-1", Data: json.RawMessage(`{"images":[]}`)}, nil
		},
	}
	c := NewController(p, models.ImageSizeSquareHD, 0)

	res, err := c.Generate(context.Background(), "a castle at sunset", nil)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	if res != nil {
		t.Errorf("expected no result, got %+v", res)
	}
}

func TestGenerate_TransportError(t *testing.T) {
	boom := errors.New("connection reset")
	p := &fakeProvider{
		generate: func(context.Context, models.GenerationRequest, chan<- models.QueueUpdate) (*models.ProviderOutput, error) {
			return nil, boom
		},
	}
	c := NewController(p, models.ImageSizeSquareHD, 0)

	_, err := c.Generate(context.Background(), "a castle at sunset", nil)
	if !errors.Is(err, ErrTransport) || !errors.Is(err, boom) {
		t.Errorf("expected ErrTransport wrapping cause, got %v", err)
	}
}

func TestGenerate_Timeout(t *testing.T) {
	p := &fakeProvider{
		generate: func(ctx context.Context, _ models.GenerationRequest, _ chan<- models.QueueUpdate) (*models.ProviderOutput, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	c := NewController(p, models.ImageSizeSquareHD, 20*time.Millisecond)

	_, err := c.Generate(context.Background(), "a castle at sunset", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

// TestGenerate_ForwardsUpdates asserts the provider gets the caller's update channel.
func TestGenerate_ForwardsUpdates(t *testing.T) {
	p := &fakeProvider{
		generate: func(_ context.Context, _ models.GenerationRequest, updates chan<- models.QueueUpdate) (*models.ProviderOutput, error) {
			updates <- models.QueueUpdate{RequestID: "req-1", Status: models.QueueStatusInProgress}
			return &models.ProviderOutput{RequestID: "req-1", Data: json.RawMessage(`{"images":[{"url":"u"}]}`)}, nil
		},
	}
	c := NewController(p, models.ImageSizePortrait43, 0)
	updates := make(chan models.QueueUpdate, 1)

	if _, err := c.Generate(context.Background(), "a red fox", updates); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if u := <-updates; u.Status != models.QueueStatusInProgress {
		t.Errorf("unexpected update %+v", u)
	}
	if p.lastReq.ImageSize != models.ImageSizePortrait43 {
		t.Errorf("expected portrait_4_3, got %q", p.lastReq.ImageSize)
	}
}

func TestExtractImageURL(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{name: "first image", data: `{"images":[{"url":"https://a"},{"url":"https://b"}]}`, want: "https://a"},
		{name: "extra fields", data: `{"images":[{"url":"https://a","width":1024}],"seed":42,"has_nsfw_concepts":[false]}`, want: "https://a"},
		{name: "data url", data: `{"images":[{"url":"data:image/png;base64,AAAA"}]}`, want: "data:image/png;base64,AAAA"},
		{name: "empty payload", data: ``, wantErr: true},
		{name: "no images key", data: `{"prompt":"p"}`, wantErr: true},
		{name: "empty images", data: `{"images":[]}`, wantErr: true},
		{name: "missing url", data: `{"images":[{"width":1}]}`, wantErr: true},
		{name: "invalid json", data: `{"images":`, wantErr: true},
		{name: "wrong type", data: `{"images":"x"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractImageURL(json.RawMessage(tt.data))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedPayload) {
					t.Errorf("expected ErrMalformedPayload, got %v (url %q)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short", in: "a fox", n: 80, want: "a fox"},
		{name: "ascii cut", in: "abcdef", n: 3, want: "abc..."},
		{name: "inside two-byte rune", in: "ééé", n: 3, want: "é..."},
		{name: "inside three-byte rune", in: "日本語", n: 4, want: "日..."},
		{name: "rune boundary", in: "日本語", n: 6, want: "日本..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := preview(tt.in, tt.n)
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
			if !utf8.ValidString(got) {
				t.Errorf("preview produced invalid UTF-8 %q", got)
			}
		})
	}
}
