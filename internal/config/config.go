package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/snappy-loop/imagine/internal/models"
)

// Config holds application configuration
type Config struct {
	// Server
	HTTPAddr           string
	LogLevel           string
	CORSAllowedOrigins []string

	// Image generation
	ImageProvider     string // fal or gemini
	ImageSize         models.ImageSize
	PollInterval      time.Duration
	GenerationTimeout time.Duration

	// fal.ai
	FalKey             string
	FalModel           string
	FalQueueURL        string
	FalProxyURL        string   // where the generation controller sends fal calls; empty calls fal directly
	FalProxyExtraHosts []string // additional target hosts the proxy accepts (e.g. a local fal stub)

	// Gemini (IMAGE_PROVIDER=gemini)
	GeminiAPIKey      string
	GeminiAPIEndpoint string
	GeminiModelImage  string

	// Deepgram
	DeepgramAPIKey           string
	DeepgramURL              string
	DeepgramModel            string
	DeepgramLanguage         string
	RecordingFinalizeTimeout time.Duration
}

// Load loads configuration from environment variables.
// A .env file in the working directory is applied first when present.
func Load() *Config {
	// A missing .env is the normal production case.
	_ = godotenv.Load()

	httpAddr := getEnv("HTTP_ADDR", ":8080")

	return &Config{
		HTTPAddr:           httpAddr,
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),

		ImageProvider:     strings.ToLower(getEnv("IMAGE_PROVIDER", "fal")),
		ImageSize:         models.ImageSize(getEnv("IMAGE_SIZE", string(models.ImageSizeSquareHD))),
		PollInterval:      getEnvDuration("POLL_INTERVAL", time.Second),
		GenerationTimeout: getEnvDuration("GENERATION_TIMEOUT", 3*time.Minute),

		FalKey:             getEnv("FAL_KEY", ""),
		FalModel:           getEnv("FAL_MODEL", "fal-ai/flux/dev"),
		FalQueueURL:        getEnv("FAL_QUEUE_URL", "https://queue.fal.run"),
		FalProxyURL:        getEnvAllowEmpty("FAL_PROXY_URL", defaultProxyURL(httpAddr)),
		FalProxyExtraHosts: getEnvList("FAL_PROXY_EXTRA_HOSTS"),

		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiAPIEndpoint: getEnv("GEMINI_API_ENDPOINT", ""),
		GeminiModelImage:  getEnv("GEMINI_MODEL_IMAGE", "gemini-2.5-flash-image"),

		DeepgramAPIKey:           getEnv("DEEPGRAM_API_KEY", ""),
		DeepgramURL:              getEnv("DEEPGRAM_URL", "wss://api.deepgram.com/v1/listen"),
		DeepgramModel:            getEnv("DEEPGRAM_MODEL", "nova-2"),
		DeepgramLanguage:         getEnv("DEEPGRAM_LANGUAGE", "en-US"),
		RecordingFinalizeTimeout: getEnvDuration("RECORDING_FINALIZE_TIMEOUT", 10*time.Second),
	}
}

// defaultProxyURL points the controller at this server's own proxy route.
// Wildcard listen addresses are reached through localhost.
func defaultProxyURL(httpAddr string) string {
	host, port, err := net.SplitHostPort(httpAddr)
	if err != nil {
		host, port = "", "8080"
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/api/fal/proxy"
}

// Validate reports configuration that would make the server unusable.
// Missing provider keys are not errors: the proxy answers 401 and voice capture stays idle.
func (c *Config) Validate() error {
	if !c.ImageSize.Valid() {
		return fmt.Errorf("invalid IMAGE_SIZE %q", c.ImageSize)
	}
	switch c.ImageProvider {
	case "fal":
		if c.FalModel == "" {
			return fmt.Errorf("FAL_MODEL is required when IMAGE_PROVIDER=fal")
		}
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when IMAGE_PROVIDER=gemini")
		}
	default:
		return fmt.Errorf("invalid IMAGE_PROVIDER %q (want fal or gemini)", c.ImageProvider)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAllowEmpty is getEnv where an explicitly empty variable overrides the default.
func getEnvAllowEmpty(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
