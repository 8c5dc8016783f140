// Package acl keeps stored chunk permissions in line with the source
// document's access control list. Updates are hash-gated: one stored chunk
// is probed per document and the bulk rewrite only happens when the stored
// hash disagrees with the current one.
package acl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/wbe7/openrag/pkg/core"
	"github.com/wbe7/openrag/pkg/logger"
)

// ErrNoChunks indicates a document has no stored chunks to update.
var ErrNoChunks = errors.New("document has no stored chunks")

// ChunkStore abstracts the chunk storage the updater probes and rewrites.
type ChunkStore interface {
	// ProbeACLHash returns the stored ACL hash of one chunk of the document.
	// Returns ErrNoChunks when the document has no chunks.
	ProbeACLHash(ctx context.Context, documentID string) (uint64, error)

	// UpdateACL rewrites the ACL fields of every chunk of the document and
	// returns the number of chunks touched.
	UpdateACL(ctx context.Context, documentID string, acl *core.ACL, hash uint64) (int, error)
}

// Status describes the outcome of one document's ACL pass.
type Status string

const (
	StatusUnchanged Status = "unchanged"
	StatusUpdated   Status = "updated"
	StatusFailed    Status = "failed"
)

// Result is the outcome for one document.
type Result struct {
	DocumentID    string `json:"document_id"`
	Status        Status `json:"status"`
	ChunksUpdated int    `json:"chunks_updated"`
	Error         error  `json:"-"`
}

// Config contains configuration for the updater.
type Config struct {
	MaxConcurrency int `yaml:"max_concurrency"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{MaxConcurrency: 8}
}

// Updater reconciles stored chunk ACLs with source document ACLs.
type Updater struct {
	store  ChunkStore
	config *Config
	tracer trace.Tracer
	logger *logger.Logger
}

// NewUpdater creates an ACL updater over the given chunk store.
func NewUpdater(store ChunkStore, cfg *Config, log *logger.Logger) *Updater {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	return &Updater{
		store:  store,
		config: cfg,
		tracer: otel.Tracer("acl-updater"),
		logger: log.WithField("component", "acl_updater"),
	}
}

// Hash computes the canonical hash of an access control list. Principal
// order never affects the value.
func Hash(acl *core.ACL) uint64 {
	if acl == nil {
		acl = core.NewACL("", nil, nil)
	}

	users := append([]string(nil), acl.AllowedUsers...)
	groups := append([]string(nil), acl.AllowedGroups...)
	sort.Strings(users)
	sort.Strings(groups)

	var b strings.Builder
	b.WriteString("owner:")
	b.WriteString(acl.Owner)
	b.WriteString("\nusers:")
	b.WriteString(strings.Join(users, ","))
	b.WriteString("\ngroups:")
	b.WriteString(strings.Join(groups, ","))
	return xxhash.Sum64String(b.String())
}

// Update reconciles one document. The stored hash of a single chunk is
// compared against the current ACL's hash; matching hashes skip the rewrite
// entirely.
func (u *Updater) Update(ctx context.Context, documentID string, acl *core.ACL) *Result {
	ctx, span := u.tracer.Start(ctx, "acl.update",
		trace.WithAttributes(attribute.String("document.id", documentID)))
	defer span.End()

	want := Hash(acl)

	stored, err := u.store.ProbeACLHash(ctx, documentID)
	switch {
	case errors.Is(err, ErrNoChunks):
		// No stored hash to compare against; treat the document as new and
		// fall through to the write.
	case err != nil:
		span.RecordError(err)
		return &Result{DocumentID: documentID, Status: StatusFailed, Error: fmt.Errorf("probing chunk acl: %w", err)}
	case stored == want:
		span.SetAttributes(attribute.String("status", string(StatusUnchanged)))
		return &Result{DocumentID: documentID, Status: StatusUnchanged}
	}

	updated, err := u.store.UpdateACL(ctx, documentID, acl, want)
	if err != nil {
		span.RecordError(err)
		return &Result{DocumentID: documentID, Status: StatusFailed, Error: fmt.Errorf("rewriting chunk acl: %w", err)}
	}

	u.logger.WithContext(ctx).Info("rewrote acl on %d chunks of document %s", updated, documentID)
	span.SetAttributes(
		attribute.String("status", string(StatusUpdated)),
		attribute.Int("chunks.updated", updated),
	)
	return &Result{DocumentID: documentID, Status: StatusUpdated, ChunksUpdated: updated}
}

// UpdateBatch reconciles a set of documents with bounded concurrency. A
// failing document never blocks the rest; every document gets a result.
func (u *Updater) UpdateBatch(ctx context.Context, docs map[string]*core.ACL) []*Result {
	ctx, span := u.tracer.Start(ctx, "acl.update_batch",
		trace.WithAttributes(attribute.Int("documents", len(docs))))
	defer span.End()

	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	results := make([]*Result, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.config.MaxConcurrency)

	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			results[i] = u.Update(gctx, id, docs[id])
			return nil
		})
	}
	// Workers never return errors; failures land in per-document results.
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Status == StatusFailed {
			failed++
		}
	}
	if failed > 0 {
		span.SetAttributes(attribute.Int("documents.failed", failed))
	}
	return results
}
