package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/imagine/internal/studio"
)

const (
	// sessionWSReadLimit fits one MediaRecorder chunk.
	sessionWSReadLimit = 1 << 20
	sessionWSIdle      = 60 * time.Minute
)

// sessionWSInMessage is the JSON shape sent from the page.
type sessionWSInMessage struct {
	Type   string `json:"type"` // prompt, toggle_voice, generate, cancel, sync
	Prompt string `json:"prompt"`
}

// sessionWSError is sent for messages the session cannot act on.
type sessionWSError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// wsWriter serializes writes; gorilla connections allow one writer at a time.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) writeJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	return w.conn.WriteJSON(v)
}

// SessionWS handles GET /ws. Each connection gets its own session; text frames carry
// JSON commands, binary frames carry microphone audio.
func (h *Handler) SessionWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("session ws upgrade failed")
		return
	}
	defer conn.Close()

	out := &wsWriter{conn: conn}
	session := h.newSession(func(ev studio.Event) {
		if err := out.writeJSON(ev); err != nil {
			log.Debug().Err(err).Str("event", ev.Type).Msg("session ws write")
		}
	})
	defer session.Close()

	log.Info().Str("session_id", session.ID()).Str("remote", r.RemoteAddr).Msg("Session opened")
	session.Publish()

	conn.SetReadLimit(sessionWSReadLimit)
	conn.SetReadDeadline(time.Now().Add(sessionWSIdle))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(sessionWSIdle))
		return nil
	})

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("session_id", session.ID()).Msg("session ws read")
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(sessionWSIdle))

		if msgType == websocket.BinaryMessage {
			session.Feed(raw)
			continue
		}

		var in sessionWSInMessage
		if err := json.Unmarshal(raw, &in); err != nil {
			_ = out.writeJSON(sessionWSError{Type: "error", Error: "invalid JSON"})
			continue
		}

		switch in.Type {
		case "prompt":
			session.SetPrompt(in.Prompt)
		case "toggle_voice":
			session.ToggleVoice(r.Context())
		case "generate":
			if !session.Generate() {
				log.Debug().Str("session_id", session.ID()).Msg("Generate ignored (empty prompt or already loading)")
			}
		case "cancel":
			session.Cancel()
		case "sync":
			session.Publish()
		default:
			_ = out.writeJSON(sessionWSError{Type: "error", Error: "unknown message type: " + in.Type})
		}
	}

	log.Info().Str("session_id", session.ID()).Msg("Session closed")
}
