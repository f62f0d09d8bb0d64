package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/imagine/internal/studio"
)

// SessionFactory builds a coordinator for one page connection.
type SessionFactory func(observe studio.Observer) *studio.Session

// PageConfig is what the page needs to know about the server setup.
type PageConfig struct {
	Title        string
	Provider     string
	Model        string
	ImageSize    string
	VoiceEnabled bool
}

// Handler contains all HTTP handlers
type Handler struct {
	newSession     SessionFactory
	page           PageConfig
	allowedOrigins map[string]bool

	// index is rendered once; PageConfig does not change after startup.
	indexOnce sync.Once
	index     []byte
	indexErr  error
}

// NewHandler creates a new handler. allowedOrigins lists extra origins (besides the
// page's own) allowed to open session sockets.
func NewHandler(newSession SessionFactory, page PageConfig, allowedOrigins []string) *Handler {
	if page.Title == "" {
		page.Title = "AI Image Generator"
	}
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[strings.ToLower(strings.TrimSuffix(o, "/"))] = true
	}
	return &Handler{
		newSession:     newSession,
		page:           page,
		allowedOrigins: origins,
	}
}

// Index handles GET /
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	h.indexOnce.Do(func() {
		h.index, h.indexErr = renderTemplate("index", h.page)
	})
	if h.indexErr != nil {
		log.Error().Err(h.indexErr).Msg("Failed to render index page")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(h.index)
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// checkOrigin accepts same-host pages and configured origins. Requests without an
// Origin header come from non-browser clients and are allowed.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return h.allowedOrigins[strings.ToLower(origin)]
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
