package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	embedDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "proctor",
		Subsystem: "ai",
		Name:      "embedding_duration_seconds",
		Help:      "Duration of embedding requests",
	}, []string{"model"})

	embedFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proctor",
		Subsystem: "ai",
		Name:      "embedding_failures_total",
		Help:      "Number of embedding request failures",
	}, []string{"model"})
)

// OpenAIConfig defines configuration options for the OpenAI embedder.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Logger  zerolog.Logger
}

// OpenAIEmbedder implements Embedder against the OpenAI embeddings API or any
// compatible endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIEmbedder builds a new embedder using the provided configuration.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	tracer := otel.Tracer("github.com/noah-isme/gema-proctor-api/pkg/ai/openai")
	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(config)

	return &OpenAIEmbedder{
		client: client,
		cfg:    cfg,
		tracer: tracer,
		logger: logger.With().Str("component", "openai_embedder").Logger(),
	}, nil
}

// Embed requests a single embedding vector.
func (e *OpenAIEmbedder) Embed(parent context.Context, text string) ([]float64, error) {
	ctx, span := e.tracer.Start(parent, "openai.embed", trace.WithAttributes(
		attribute.String("model", e.cfg.Model),
		attribute.Int("input.length", len(text)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.cfg.Model),
	})
	embedDuration.WithLabelValues(e.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		embedFailures.WithLabelValues(e.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("openai embed: %w", err)
	}

	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		embedFailures.WithLabelValues(e.cfg.Model).Inc()
		span.SetStatus(codes.Error, ErrEmptyEmbedding.Error())
		return nil, ErrEmptyEmbedding
	}

	raw := resp.Data[0].Embedding
	vector := make([]float64, len(raw))
	for i, value := range raw {
		vector[i] = float64(value)
	}

	return vector, nil
}
