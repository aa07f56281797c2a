// Package judge0 is a small client for the Judge0 CE code execution API.
package judge0

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Judge0 status identifiers that mean the program ran to completion.
const (
	StatusAccepted    = 3
	StatusWrongAnswer = 4
	StatusTimeLimit   = 5
)

// ErrUnsupportedLanguage is returned for languages without a Judge0 id.
var ErrUnsupportedLanguage = errors.New("judge0: unsupported language")

var languageIDs = map[string]int{
	"python":     71,
	"python3":    71,
	"javascript": 63,
	"js":         63,
	"typescript": 74,
	"java":       62,
	"c":          50,
	"c++":        54,
	"cpp":        54,
	"go":         60,
	"rust":       73,
	"ruby":       72,
	"kotlin":     78,
	"swift":      83,
	"r":          80,
	"php":        68,
	"csharp":     51,
	"c#":         51,
}

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "proctor",
	Subsystem: "judge0",
	Name:      "request_duration_seconds",
	Help:      "Duration of Judge0 submission requests",
}, []string{"outcome"})

// LanguageID resolves a language name to its Judge0 id.
func LanguageID(language string) (int, bool) {
	id, ok := languageIDs[strings.ToLower(strings.TrimSpace(language))]
	return id, ok
}

// Config holds connection settings.
type Config struct {
	BaseURL           string
	APIKey            string
	APIHost           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Logger            zerolog.Logger
}

// Client submits programs to Judge0 and waits for the verdict.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// Submission is the request body sent to Judge0.
type Submission struct {
	SourceCode string `json:"source_code"`
	LanguageID int    `json:"language_id"`
	Stdin      string `json:"stdin"`
}

// Status is the verdict block of a Judge0 response.
type Status struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
}

// Result is a decoded Judge0 response.
type Result struct {
	Stdout        string
	Stderr        string
	CompileOutput string
	ExitCode      int
	Status        Status
}

type rawResult struct {
	Stdout        *string `json:"stdout"`
	Stderr        *string `json:"stderr"`
	CompileOutput *string `json:"compile_output"`
	ExitCode      *int    `json:"exit_code"`
	Status        Status  `json:"status"`
}

// NewClient constructs a Judge0 client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("judge0 base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:     cfg.Logger.With().Str("component", "judge0_client").Logger(),
	}, nil
}

// Supports reports whether Judge0 has an id for the language.
func (c *Client) Supports(language string) bool {
	_, ok := LanguageID(language)
	return ok
}

// Execute runs source synchronously and returns the decoded verdict.
func (c *Client) Execute(ctx context.Context, language, source, stdin string) (Result, error) {
	languageID, ok := LanguageID(language)
	if !ok {
		return Result{}, ErrUnsupportedLanguage
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("judge0 rate limit: %w", err)
	}

	body, err := json.Marshal(Submission{
		SourceCode: base64.StdEncoding.EncodeToString([]byte(source)),
		LanguageID: languageID,
		Stdin:      base64.StdEncoding.EncodeToString([]byte(stdin)),
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal submission: %w", err)
	}

	url := c.cfg.BaseURL + "/submissions?base64_encoded=true&wait=true&fields=*"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("x-rapidapi-key", c.cfg.APIKey)
	}
	if c.cfg.APIHost != "" {
		req.Header.Set("x-rapidapi-host", c.cfg.APIHost)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestDuration.WithLabelValues("transport_error").Observe(time.Since(start).Seconds())
		return Result{}, fmt.Errorf("judge0 request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		requestDuration.WithLabelValues("transport_error").Observe(time.Since(start).Seconds())
		return Result{}, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		requestDuration.WithLabelValues("http_error").Observe(time.Since(start).Seconds())
		return Result{}, fmt.Errorf("judge0 returned status %d: %s", resp.StatusCode, truncate(string(payload), 200))
	}
	requestDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	var raw rawResult
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Result{}, fmt.Errorf("decode judge0 response: %w", err)
	}

	result := Result{
		Stdout:        decode(raw.Stdout),
		Stderr:        decode(raw.Stderr),
		CompileOutput: decode(raw.CompileOutput),
		Status:        raw.Status,
	}
	if raw.ExitCode != nil {
		result.ExitCode = *raw.ExitCode
	}

	return result, nil
}

// Completed reports whether the program ran and produced output to compare.
func (r Result) Completed() bool {
	return r.Status.ID == 0 || r.Status.ID == StatusAccepted || r.Status.ID == StatusWrongAnswer
}

// TimedOut reports a time limit verdict.
func (r Result) TimedOut() bool {
	return r.Status.ID == StatusTimeLimit
}

// ErrorOutput returns stderr, falling back to compiler output and then the
// status description for unsuccessful runs.
func (r Result) ErrorOutput() string {
	if r.Stderr != "" {
		return r.Stderr
	}
	if r.CompileOutput != "" {
		return r.CompileOutput
	}
	if !r.Completed() {
		if r.Status.Description != "" {
			return r.Status.Description
		}
		return "Runtime error"
	}
	return ""
}

func decode(value *string) string {
	if value == nil || *value == "" {
		return ""
	}
	cleaned := strings.ReplaceAll(*value, "\n", "")
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return *value
	}
	return string(decoded)
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
