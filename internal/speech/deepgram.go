package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	deepgramKeepAliveInterval = 5 * time.Second
	deepgramWriteTimeout      = 10 * time.Second
)

// Deepgram opens live transcription sessions against the Deepgram streaming API.
type Deepgram struct {
	apiKey   string
	baseURL  string
	model    string
	language string
	dialer   *websocket.Dialer
}

// NewDeepgram creates a Deepgram transcriber
func NewDeepgram(apiKey, baseURL, model, language string) *Deepgram {
	return &Deepgram{
		apiKey:   apiKey,
		baseURL:  baseURL,
		model:    model,
		language: language,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Open dials a live session. Audio is sent in the browser's container format
// (e.g. webm/opus), which Deepgram detects on its own.
func (d *Deepgram) Open(ctx context.Context) (Stream, error) {
	if d.apiKey == "" {
		return nil, fmt.Errorf("deepgram api key not configured")
	}

	u, err := url.Parse(d.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid deepgram url: %w", err)
	}
	q := u.Query()
	if d.model != "" {
		q.Set("model", d.model)
	}
	if d.language != "" {
		q.Set("language", d.language)
	}
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	q.Set("interim_results", "false")
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+d.apiKey)

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram handshake failed: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("deepgram dial failed: %w", err)
	}

	s := &deepgramStream{
		conn: conn,
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
	go s.readLoop()
	go s.keepAlive()

	log.Debug().Str("model", d.model).Str("language", d.language).Msg("Deepgram session opened")
	return s, nil
}

// deepgramResult is the subset of a Deepgram "Results" message used here.
type deepgramResult struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type deepgramStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	finals  []string
	readErr error
	closing bool

	done     chan struct{} // closed when the read loop exits
	stop     chan struct{} // closed to stop the keep-alive loop
	stopOnce sync.Once
}

func (s *deepgramStream) Send(audio []byte) error {
	return s.write(websocket.BinaryMessage, audio)
}

// Finish sends CloseStream and waits for Deepgram to flush and close the connection.
func (s *deepgramStream) Finish(ctx context.Context) (string, error) {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.stopKeepAlive()

	if err := s.write(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		s.conn.Close()
		<-s.done
		return s.transcript(), fmt.Errorf("send CloseStream: %w", err)
	}

	var finishErr error
	select {
	case <-s.done:
	case <-ctx.Done():
		finishErr = ctx.Err()
		s.conn.Close()
		<-s.done
	}

	s.conn.Close()
	if finishErr == nil {
		s.mu.Lock()
		finishErr = s.readErr
		s.mu.Unlock()
	}
	return s.transcript(), finishErr
}

func (s *deepgramStream) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.stopKeepAlive()
	err := s.conn.Close()
	<-s.done
	return err
}

func (s *deepgramStream) readLoop() {
	defer close(s.done)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if !s.closing && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.readErr = err
			}
			s.mu.Unlock()
			return
		}

		var msg deepgramResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug().Err(err).Msg("Ignoring undecodable Deepgram message")
			continue
		}
		if msg.Type != "Results" || !msg.IsFinal || len(msg.Channel.Alternatives) == 0 {
			continue
		}
		text := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
		if text == "" {
			continue
		}
		s.mu.Lock()
		s.finals = append(s.finals, text)
		s.mu.Unlock()
	}
}

func (s *deepgramStream) keepAlive() {
	ticker := time.NewTicker(deepgramKeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				log.Debug().Err(err).Msg("Deepgram keep-alive failed")
				return
			}
		}
	}
}

func (s *deepgramStream) stopKeepAlive() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *deepgramStream) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(deepgramWriteTimeout))
	return s.conn.WriteMessage(messageType, data)
}

func (s *deepgramStream) transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.finals, " ")
}
