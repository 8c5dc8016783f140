// Package ingestion ships connector documents to the indexing service.
package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wbe7/openrag/pkg/core"
	"github.com/wbe7/openrag/pkg/logger"
)

// Status of one ingested document.
type Status string

const (
	StatusIndexed   Status = "indexed"
	StatusUnchanged Status = "unchanged"
	StatusFailed    Status = "failed"
)

// Options qualifies a submission with connection ownership context.
type Options struct {
	OwnerUserID   string
	ConnectorType core.ConnectorType
	JWTToken      string
}

// Result is the indexing outcome for one document.
type Result struct {
	DocumentID string `json:"document_id"`
	Status     Status `json:"status"`
}

// Ingestor accepts connector documents for indexing.
type Ingestor interface {
	Ingest(ctx context.Context, doc *core.Document, opts Options) (*Result, error)
	Delete(ctx context.Context, documentID string, opts Options) error
}

// Config contains configuration for the HTTP ingestion client.
type Config struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`

	// AuthToken is the service credential presented to the indexing service
	// when a submission carries no token of its own.
	AuthToken string `yaml:"auth_token"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{Timeout: 2 * time.Minute}
}

// Client is the HTTP implementation of Ingestor.
type Client struct {
	config *Config
	http   *http.Client
	tracer trace.Tracer
	logger *logger.Logger
}

// NewClient creates an ingestion client.
func NewClient(cfg *Config, log *logger.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		tracer: otel.Tracer("ingestion-client"),
		logger: log.WithField("component", "ingestion_client"),
	}
}

type ingestRequest struct {
	Document *core.Document     `json:"document"`
	Content  []byte             `json:"content"`
	Owner    string             `json:"owner_user_id"`
	Source   core.ConnectorType `json:"source"`
}

// Ingest submits one document. An unchanged response means the service
// recognized the document's content hash and skipped reindexing.
func (c *Client) Ingest(ctx context.Context, doc *core.Document, opts Options) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "ingestion.ingest",
		trace.WithAttributes(
			attribute.String("document.id", doc.ID),
			attribute.String("connector.type", string(opts.ConnectorType)),
		))
	defer span.End()

	payload, err := json.Marshal(&ingestRequest{
		Document: doc,
		Content:  doc.Content,
		Owner:    opts.OwnerUserID,
		Source:   opts.ConnectorType,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding ingest request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint+"/documents", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	c.decorate(req, opts)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, core.Transient(fmt.Errorf("ingestion request: %w", err))
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		span.RecordError(err)
		return nil, err
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding ingest response: %w", err)
	}
	if result.DocumentID == "" {
		result.DocumentID = doc.ID
	}
	span.SetAttributes(attribute.String("result.status", string(result.Status)))
	return &result, nil
}

// Delete removes a document from the index.
func (c *Client) Delete(ctx context.Context, documentID string, opts Options) error {
	ctx, span := c.tracer.Start(ctx, "ingestion.delete",
		trace.WithAttributes(attribute.String("document.id", documentID)))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.config.Endpoint+"/documents/"+documentID, nil)
	if err != nil {
		return err
	}
	c.decorate(req, opts)

	resp, err := c.http.Do(req)
	if err != nil {
		return core.Transient(fmt.Errorf("ingestion delete: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if err := checkStatus(resp); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (c *Client) decorate(req *http.Request, opts Options) {
	req.Header.Set("Content-Type", "application/json")
	token := opts.JWTToken
	if token == "" {
		token = c.config.AuthToken
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("ingestion service returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%v: %w", err, core.ErrAuthExpired)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%v: %w", err, core.ErrRateLimited)
	case resp.StatusCode >= 500:
		return core.Transient(err)
	default:
		return err
	}
}
