package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/wbe7/openrag/pkg/acl"
	"github.com/wbe7/openrag/pkg/core"
	"github.com/wbe7/openrag/pkg/ingestion"
	"github.com/wbe7/openrag/pkg/logger"
	"github.com/wbe7/openrag/pkg/metrics"
)

// ErrPassInProgress indicates a pass is already running for the connection.
var ErrPassInProgress = errors.New("sync pass already in progress")

// Config contains configuration for the orchestrator.
type Config struct {
	// MaxWorkers bounds concurrent file downloads within one pass.
	MaxWorkers  int           `yaml:"max_workers"`
	BatchSize   int           `yaml:"batch_size"`
	PassTimeout time.Duration `yaml:"pass_timeout"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxWorkers:  5,
		BatchSize:   100,
		PassTimeout: 30 * time.Minute,
	}
}

// Orchestrator runs sync passes over connections. Per-connection locks
// serialize passes; distinct connections proceed in parallel up to whatever
// concurrency the caller applies.
type Orchestrator struct {
	config   *Config
	source   ConnectionSource
	state    StateStore
	ingestor ingestion.Ingestor
	acl      *acl.Updater
	tracer   trace.Tracer
	logger   *logger.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*connectionLock

	passesTotal    *metrics.Counter
	filesProcessed *metrics.Counter
	filesFailed    *metrics.Counter
	cursorCommits  *metrics.Counter
	passesRunning  *metrics.Gauge
}

type connectionLock struct {
	ch chan struct{}
}

func newConnectionLock() *connectionLock {
	l := &connectionLock{ch: make(chan struct{}, 1)}
	return l
}

func (l *connectionLock) tryLock() bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *connectionLock) unlock() { <-l.ch }

// NewOrchestrator creates a sync orchestrator.
func NewOrchestrator(cfg *Config, source ConnectionSource, state StateStore, ingestor ingestion.Ingestor, aclUpdater *acl.Updater, log *logger.Logger) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultConfig().MaxWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Orchestrator{
		config:   cfg,
		source:   source,
		state:    state,
		ingestor: ingestor,
		acl:      aclUpdater,
		tracer:   otel.Tracer("sync-orchestrator"),
		logger:   log.WithField("component", "sync_orchestrator"),
	}
}

// WithMetrics registers pass counters on the registry.
func (o *Orchestrator) WithMetrics(reg *metrics.Registry) *Orchestrator {
	o.passesTotal = reg.Counter("sync_passes_total", "Completed sync passes")
	o.filesProcessed = reg.Counter("sync_files_processed_total", "Files processed across passes")
	o.filesFailed = reg.Counter("sync_files_failed_total", "Files failed across passes")
	o.cursorCommits = reg.Counter("sync_cursor_commits_total", "Change cursor commits")
	o.passesRunning = reg.Gauge("sync_passes_running", "Passes currently running")
	return o
}

func (o *Orchestrator) recordPass(result *PassResult) {
	if o.passesTotal == nil {
		return
	}
	o.passesTotal.Inc()
	o.filesProcessed.Add(int64(result.Processed))
	o.filesFailed.Add(int64(result.Failed))
	if result.CursorAdvanced {
		o.cursorCommits.Inc()
	}
}

func (o *Orchestrator) lockFor(id uuid.UUID) *connectionLock {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.locks == nil {
		o.locks = make(map[uuid.UUID]*connectionLock)
	}
	l, ok := o.locks[id]
	if !ok {
		l = newConnectionLock()
		o.locks[id] = l
	}
	return l
}

// SyncConnection runs one pass over one connection. A pass already running
// for the connection returns ErrPassInProgress without blocking.
func (o *Orchestrator) SyncConnection(ctx context.Context, id uuid.UUID, mode Mode) (*PassResult, error) {
	return o.run(ctx, id, mode, nil)
}

// SyncFiles runs a targeted pass over an explicit file id set, typically
// the output of a webhook notification.
func (o *Orchestrator) SyncFiles(ctx context.Context, id uuid.UUID, fileIDs []string) (*PassResult, error) {
	return o.run(ctx, id, ModeTargeted, fileIDs)
}

// SyncAll runs a pass over every active connection. Connections run
// sequentially; per-file parallelism happens inside each pass. A connection
// whose pass fails or is already running never blocks the rest.
func (o *Orchestrator) SyncAll(ctx context.Context, mode Mode) []*PassResult {
	ids := o.source.ActiveIDs()
	results := make([]*PassResult, 0, len(ids))
	for _, id := range ids {
		result, err := o.SyncConnection(ctx, id, mode)
		if err != nil {
			if !errors.Is(err, ErrPassInProgress) {
				o.logger.Error("sync pass for connection %s failed: %v", id, err)
			}
			continue
		}
		results = append(results, result)
	}
	return results
}

func (o *Orchestrator) run(ctx context.Context, id uuid.UUID, mode Mode, fileIDs []string) (*PassResult, error) {
	connector, ok := o.source.Connector(id)
	if !ok {
		return nil, fmt.Errorf("connection %s has no live connector", id)
	}

	lock := o.lockFor(id)
	if !lock.tryLock() {
		return nil, fmt.Errorf("connection %s: %w", id, ErrPassInProgress)
	}
	defer lock.unlock()

	if o.config.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.PassTimeout)
		defer cancel()
	}

	ctx, span := o.tracer.Start(ctx, "sync.pass",
		trace.WithAttributes(
			attribute.String("connection.id", id.String()),
			attribute.String("sync.mode", string(mode)),
		))
	defer span.End()

	result := &PassResult{ConnectionID: id, Mode: mode, StartedAt: time.Now()}
	_ = o.state.SetSyncStatus(ctx, id, "running", nil)
	if o.passesRunning != nil {
		o.passesRunning.Inc()
		defer o.passesRunning.Dec()
	}

	var err error
	switch mode {
	case ModeIncremental:
		err = o.runIncremental(ctx, id, connector, result)
	case ModeTargeted:
		err = o.processFiles(ctx, id, connector, fileIDs, result)
	default:
		err = o.runFull(ctx, id, connector, result)
	}

	result.Duration = time.Since(result.StartedAt)
	o.recordPass(result)

	if err != nil {
		span.RecordError(err)
		_ = o.state.SetSyncStatus(ctx, id, "failed", err)
		return result, err
	}

	if result.Failed > 0 {
		o.logger.Warn("pass for connection %s completed with %d file failures", id, result.Failed)
	}
	_ = o.state.SetSyncStatus(ctx, id, "completed", nil)

	span.SetAttributes(
		attribute.Int("files.processed", result.Processed),
		attribute.Int("files.failed", result.Failed),
		attribute.Bool("cursor.advanced", result.CursorAdvanced),
	)
	return result, nil
}

// runFull walks the connection's listing page by page and processes every
// file. The change cursor is untouched.
func (o *Orchestrator) runFull(ctx context.Context, id uuid.UUID, connector core.Connector, result *PassResult) error {
	pageToken := ""
	for {
		page, err := connector.ListFiles(ctx, pageToken, o.config.BatchSize)
		if err != nil {
			return fmt.Errorf("listing files: %w", err)
		}

		ids := make([]string, 0, len(page.Files))
		for _, f := range page.Files {
			ids = append(ids, f.ID)
		}
		if err := o.processFiles(ctx, id, connector, ids, result); err != nil {
			return err
		}

		if page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken
	}
}

// runIncremental reads the change feed from the committed cursor and
// processes the changed files. The new cursor is committed only after the
// feed was fully drained and processing attempted for every file, so a
// crashed pass replays rather than skips.
func (o *Orchestrator) runIncremental(ctx context.Context, id uuid.UUID, connector core.Connector, result *PassResult) error {
	feed, ok := connector.(core.ChangeFeed)
	if !ok {
		return fmt.Errorf("connector %s does not expose a change feed", connector.Type())
	}

	cursor, err := o.state.CurrentCursor(ctx, id)
	if err != nil {
		return err
	}
	if cursor == "" {
		// First incremental pass: mint a checkpoint so future reads start
		// here. Pre-existing files are the full pass's job.
		fresh, err := feed.StartCursor(ctx)
		if err != nil {
			return fmt.Errorf("minting start cursor: %w", err)
		}
		if err := o.state.CommitCursor(ctx, id, fresh); err != nil {
			return err
		}
		result.CursorAdvanced = true
		return nil
	}

	files, newCursor, err := feed.ReadChanges(ctx, cursor)
	if err != nil {
		return fmt.Errorf("reading change feed: %w", err)
	}

	ids := make([]string, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.ID)
	}
	if err := o.processFiles(ctx, id, connector, ids, result); err != nil {
		return err
	}

	if newCursor != "" && newCursor != cursor {
		if err := o.state.CommitCursor(ctx, id, newCursor); err != nil {
			return err
		}
		result.CursorAdvanced = true
	}
	return nil
}

// processFiles downloads and ingests a file id set with bounded
// parallelism. Per-file failures are isolated into the result; errors that
// poison the whole pass (expired auth, exhausted quota) abort it.
func (o *Orchestrator) processFiles(ctx context.Context, id uuid.UUID, connector core.Connector, fileIDs []string, result *PassResult) error {
	if len(fileIDs) == 0 {
		return nil
	}

	owner, err := o.state.Owner(ctx, id)
	if err != nil {
		return err
	}
	opts := ingestion.Options{
		OwnerUserID:   owner,
		ConnectorType: connector.Type(),
	}

	var mu sync.Mutex
	var fatal error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.MaxWorkers)

	for _, fileID := range fileIDs {
		fileID := fileID
		g.Go(func() error {
			unchanged, err := o.processFile(gctx, connector, fileID, opts)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				result.Processed++
				if unchanged {
					result.Unchanged++
				}
				return nil
			}
			if core.IsFatalForPass(err) {
				if fatal == nil {
					fatal = err
				}
				return err
			}
			result.Failed++
			result.Failures = append(result.Failures, FileFailure{FileID: fileID, Error: err.Error()})
			o.logger.Warn("file %s failed during pass: %v", fileID, err)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if fatal != nil {
			return fmt.Errorf("aborting pass: %w", fatal)
		}
		return err
	}
	return nil
}

// processFile syncs one file end to end: download, ingest, ACL reconcile.
// A file the provider no longer serves is removed from the index.
func (o *Orchestrator) processFile(ctx context.Context, connector core.Connector, fileID string, opts ingestion.Options) (unchanged bool, err error) {
	doc, err := connector.GetFileContent(ctx, fileID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			if delErr := o.ingestor.Delete(ctx, fileID, opts); delErr != nil {
				return false, fmt.Errorf("removing vanished file from index: %w", delErr)
			}
			return false, nil
		}
		return false, err
	}

	res, err := o.ingestor.Ingest(ctx, doc, opts)
	if err != nil {
		return false, err
	}

	if o.acl != nil {
		aclResult := o.acl.Update(ctx, doc.ID, doc.ACL)
		if aclResult.Status == acl.StatusFailed {
			return false, aclResult.Error
		}
	}

	return res.Status == ingestion.StatusUnchanged, nil
}
