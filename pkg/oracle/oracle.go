// Package oracle is the client for the hosted language model that writes
// the captation and analysis narratives. Calls are rate limited client
// side so a full-roster run stays inside the provider's quota.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/polcohq/polco/pkg/config"
	"github.com/polcohq/polco/pkg/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Generator produces a completion for a prompt. Satisfied by the HTTP
// client; tests substitute a fake.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Request is one generation request.
type Request struct {
	// Model overrides the configured default model when set.
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	// UseSearch asks the provider to ground the completion with web
	// search results. Used by the captation prompts.
	UseSearch bool
}

// Compile-time interface check.
var _ Generator = (*Client)(nil)

// Client talks to the model endpoint over HTTP.
type Client struct {
	log     logrus.FieldLogger
	cfg     *config.OracleConfig
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a generator from the configuration.
func NewClient(log logrus.FieldLogger, cfg *config.OracleConfig) *Client {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = config.DefaultOracleRPM
	}

	return &Client{
		log:     log.WithField("component", "oracle"),
		cfg:     cfg,
		http:    &http.Client{Timeout: 120 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	WebSearch   bool          `json:"web_search,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends the prompt and returns the completion text. Errors are
// classified for the retry layer: quota and server trouble is transient,
// a rejected request is permanent, and an empty completion is transient
// because models occasionally return nothing under load.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	var messages []chatMessage

	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}

	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.cfg.Temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		WebSearch:   req.UseSearch,
	})
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("encoding request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("building request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")

	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("calling model endpoint: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if err := classifyStatus(resp.StatusCode, data); err != nil {
		return "", err
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", retry.Transient(fmt.Errorf("decoding response: %w", err))
	}

	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", retry.Transient(fmt.Errorf("model returned an empty completion"))
	}

	completion := parsed.Choices[0].Message.Content

	c.log.WithFields(logrus.Fields{
		"model":    model,
		"chars":    len(completion),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("Completion received")

	return completion, nil
}

// classifyStatus maps an HTTP status onto the retry taxonomy.
func classifyStatus(status int, body []byte) error {
	if status == http.StatusOK {
		return nil
	}

	err := fmt.Errorf("model endpoint returned %d: %s", status, truncate(body, 200))

	switch {
	case status == http.StatusTooManyRequests:
		return retry.Transient(err)
	case status >= 500:
		return retry.Transient(err)
	default:
		return retry.Permanent(err)
	}
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}

	return s
}
