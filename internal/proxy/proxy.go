package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/imagine/internal/fal"
)

const (
	// maxRequestBodyBytes bounds the body accepted from the browser.
	maxRequestBodyBytes = 10 << 20
	// maxResponseBodyBytes bounds the upstream body relayed back.
	maxResponseBodyBytes = 64 << 20

	redacted = "***"
)

// hopHeaders are not relayed in either direction.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
	"Content-Encoding":    true,
}

// Handler relays browser calls to fal and attaches the server-held key.
// The key never appears in anything written back to the caller.
type Handler struct {
	key              string
	httpClient       *http.Client
	extraHosts       map[string]bool
	maxResponseBytes int64
}

// NewHandler creates a proxy handler. extraHosts lists additional target hosts
// (host or host:port) accepted besides fal.ai and fal.run.
func NewHandler(key string, extraHosts []string) *Handler {
	hosts := make(map[string]bool, len(extraHosts))
	for _, h := range extraHosts {
		hosts[strings.ToLower(h)] = true
	}
	return &Handler{
		key: key,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
		extraHosts:       hosts,
		maxResponseBytes: maxResponseBodyBytes,
	}
}

// ServeHTTP handles GET|POST|PUT /api/fal/proxy
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	started := time.Now()

	target := r.Header.Get(fal.TargetURLHeader)
	if target == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+fal.TargetURLHeader+" header")
		return
	}
	targetURL, err := url.Parse(target)
	if err != nil || !h.allowedTarget(targetURL) {
		log.Warn().Str("request_id", requestID).Str("target", target).Msg("Proxy target rejected")
		writeJSONError(w, http.StatusPreconditionFailed, "invalid "+fal.TargetURLHeader+" header")
		return
	}
	if h.key == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing fal credentials")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL.String(), bytes.NewReader(body))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid proxied request")
		return
	}
	copyRequestHeaders(out.Header, r.Header)
	out.Header.Set("Authorization", "Key "+h.key)
	out.Header.Set("User-Agent", "imagine-proxy/1.0")
	out.Header.Set("X-Fal-Client-Proxy", "imagine-go")

	resp, err := h.httpClient.Do(out)
	if err != nil {
		log.Error().
			Str("request_id", requestID).
			Str("target_host", targetURL.Host).
			Str("error", h.redact(err.Error())).
			Msg("Proxy upstream request failed")
		writeJSONError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.maxResponseBytes+1))
	if err != nil {
		log.Error().
			Str("request_id", requestID).
			Str("error", h.redact(err.Error())).
			Msg("Proxy failed to read upstream response")
		writeJSONError(w, http.StatusBadGateway, "upstream response unreadable")
		return
	}
	if int64(len(respBody)) > h.maxResponseBytes {
		log.Error().
			Str("request_id", requestID).
			Str("target_host", targetURL.Host).
			Int64("limit_bytes", h.maxResponseBytes).
			Msg("Proxy upstream response too large")
		writeJSONError(w, http.StatusBadGateway, "upstream response too large")
		return
	}

	for name, values := range resp.Header {
		if hopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, h.redact(v))
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(h.redactBytes(respBody)); err != nil {
		log.Debug().Err(err).Str("request_id", requestID).Msg("Proxy response write failed")
	}

	log.Info().
		Str("request_id", requestID).
		Str("method", r.Method).
		Str("target_host", targetURL.Host).
		Str("target_path", targetURL.Path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(started)).
		Msg("Proxied fal request")
}

// allowedTarget accepts https targets on fal hosts. Plain http is only accepted for
// configured extra hosts, so the key never leaves the server unencrypted towards fal.
func (h *Handler) allowedTarget(u *url.URL) bool {
	switch u.Scheme {
	case "https":
		return h.allowedHost(u.Host)
	case "http":
		return h.extraHost(u.Host)
	}
	return false
}

func (h *Handler) extraHost(host string) bool {
	host = strings.ToLower(host)
	if h.extraHosts[host] {
		return true
	}
	if hostname, _, err := net.SplitHostPort(host); err == nil {
		return h.extraHosts[hostname]
	}
	return false
}

func (h *Handler) allowedHost(host string) bool {
	if h.extraHost(host) {
		return true
	}
	host = strings.ToLower(host)
	if hostname, _, err := net.SplitHostPort(host); err == nil {
		host = hostname
	}
	for _, domain := range []string{"fal.ai", "fal.run"} {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// copyRequestHeaders forwards content negotiation and fal-specific headers only.
func copyRequestHeaders(dst, src http.Header) {
	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		lower := strings.ToLower(name)
		switch {
		case canonical == "Content-Type", canonical == "Accept":
		case strings.HasPrefix(lower, "x-fal-") && lower != fal.TargetURLHeader:
		default:
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func (h *Handler) redact(s string) string {
	if h.key == "" {
		return s
	}
	return strings.ReplaceAll(s, h.key, redacted)
}

func (h *Handler) redactBytes(b []byte) []byte {
	if h.key == "" {
		return b
	}
	return bytes.ReplaceAll(b, []byte(h.key), []byte(redacted))
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
