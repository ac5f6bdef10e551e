package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChuLiYu/docbatch/internal/converter"
	"github.com/ChuLiYu/docbatch/internal/retry"
)

// ErrMissingAPIKey is returned by Ready when no API key is configured.
var ErrMissingAPIKey = fmt.Errorf("%w: OPENAI_API_KEY is not set", converter.ErrNotConfigured)

// Config for the OpenAI client.
type Config struct {
	APIKey          string
	BaseURL         string        // default https://api.openai.com/v1
	Model           string        // used when no assistant profile is given
	Timeout         time.Duration // http client timeout
	PollInterval    time.Duration // first wait between assistant run polls
	PollMaxInterval time.Duration // cap for the doubling poll interval; <= PollInterval keeps it fixed
	SystemPrompt    string
	UserPrompt      string
}

const (
	defaultBaseURL      = "https://api.openai.com/v1"
	defaultModel        = "gpt-4o"
	defaultSystemPrompt = "You are an expert in document conversion. Convert PDFs to RTF, preserving structure and formatting."
	defaultUserPrompt   = "Convert this document to RTF. Return only the correctly formatted RTF content."
)

// Client calls the OpenAI HTTP API.
type Client struct {
	cfg   Config
	http  *http.Client
	log   *slog.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient applies defaults to cfg. A nil logger uses slog.Default().
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.UserPrompt == "" {
		cfg.UserPrompt = defaultUserPrompt
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		log:   logger,
		sleep: retry.Sleep,
	}
}

// Ready implements converter.Checker.
func (c *Client) Ready() error {
	if c.cfg.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("openai status %d: %s", e.Code, e.Body)
}

// permanentStatus lists responses that repeating the same request cannot fix.
func permanentStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// IsStatus reports whether err carries an API response with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
