package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/imagine/internal/config"
	"github.com/snappy-loop/imagine/internal/fal"
	"github.com/snappy-loop/imagine/internal/generation"
	"github.com/snappy-loop/imagine/internal/handlers"
	"github.com/snappy-loop/imagine/internal/llm"
	"github.com/snappy-loop/imagine/internal/proxy"
	"github.com/snappy-loop/imagine/internal/speech"
	"github.com/snappy-loop/imagine/internal/studio"
)

func main() {
	cfg := config.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Msg("Starting Imagine web server")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	provider, model := newProvider(cfg)
	controller := generation.NewController(provider, cfg.ImageSize, cfg.GenerationTimeout)

	// A nil transcriber keeps every recording idle; the page hides the mic button.
	var transcriber speech.Transcriber
	if cfg.DeepgramAPIKey != "" {
		transcriber = speech.NewDeepgram(cfg.DeepgramAPIKey, cfg.DeepgramURL, cfg.DeepgramModel, cfg.DeepgramLanguage)
	} else {
		log.Warn().Msg("DEEPGRAM_API_KEY not set, voice input disabled")
	}

	newSession := func(observe studio.Observer) *studio.Session {
		recorder := speech.NewRecorder(transcriber, cfg.RecordingFinalizeTimeout)
		return studio.NewSession(recorder, controller, observe)
	}

	h := handlers.NewHandler(newSession, handlers.PageConfig{
		Provider:     cfg.ImageProvider,
		Model:        model,
		ImageSize:    string(cfg.ImageSize),
		VoiceEnabled: transcriber != nil,
	}, cfg.CORSAllowedOrigins)

	falProxy := proxy.NewHandler(cfg.FalKey, cfg.FalProxyExtraHosts)
	if cfg.FalKey == "" {
		log.Warn().Msg("FAL_KEY not set, proxy requests will be rejected")
	}

	r := mux.NewRouter()
	r.HandleFunc("/", h.Index).Methods("GET")
	r.HandleFunc("/ws", h.SessionWS).Methods("GET")
	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.Handle("/api/fal/proxy", falProxy).Methods("GET", "POST", "PUT")

	var handler http.Handler = r
	if len(cfg.CORSAllowedOrigins) > 0 {
		handler = cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			MaxAge:         300,
		})(r)
	}

	// Proxied fal calls can take a while; session sockets set their own deadlines.
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("Web server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down web server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	log.Info().Msg("Web server exited")
}

// newProvider builds the image backend selected by IMAGE_PROVIDER.
func newProvider(cfg *config.Config) (generation.Provider, string) {
	if cfg.ImageProvider == "gemini" {
		client, err := llm.NewClient(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModelImage, cfg.GeminiAPIEndpoint)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Gemini client")
		}
		return client, cfg.GeminiModelImage
	}

	opts := []fal.Option{fal.WithQueueURL(cfg.FalQueueURL)}
	if cfg.FalProxyURL != "" {
		opts = append(opts, fal.WithProxyURL(cfg.FalProxyURL))
	} else {
		opts = append(opts, fal.WithCredentials(cfg.FalKey))
	}
	return fal.NewImageGenerator(fal.NewClient(opts...), cfg.FalModel, cfg.PollInterval), cfg.FalModel
}
