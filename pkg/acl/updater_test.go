package acl

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbe7/openrag/pkg/core"
	"github.com/wbe7/openrag/pkg/logger"
)

type fakeChunkStore struct {
	mu        sync.Mutex
	hashes    map[string]uint64
	counts    map[string]int
	probeErr  map[string]error
	updateErr map[string]error
	updates   []string
}

func newFakeChunkStore() *fakeChunkStore {
	return &fakeChunkStore{
		hashes:    make(map[string]uint64),
		counts:    make(map[string]int),
		probeErr:  make(map[string]error),
		updateErr: make(map[string]error),
	}
}

func (s *fakeChunkStore) ProbeACLHash(_ context.Context, documentID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.probeErr[documentID]; err != nil {
		return 0, err
	}
	h, ok := s.hashes[documentID]
	if !ok {
		return 0, ErrNoChunks
	}
	return h, nil
}

func (s *fakeChunkStore) UpdateACL(_ context.Context, documentID string, _ *core.ACL, hash uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.updateErr[documentID]; err != nil {
		return 0, err
	}
	s.hashes[documentID] = hash
	s.updates = append(s.updates, documentID)
	return s.counts[documentID], nil
}

func testLogger() *logger.Logger {
	return logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Format: logger.TextFormat})
}

func TestHashIgnoresPrincipalOrder(t *testing.T) {
	a := core.NewACL("owner@example.com", []string{"a@x", "b@x"}, []string{"g1", "g2"})
	b := core.NewACL("owner@example.com", []string{"b@x", "a@x"}, []string{"g2", "g1"})
	assert.Equal(t, Hash(a), Hash(b))
}

func TestHashSensitivity(t *testing.T) {
	base := core.NewACL("owner@example.com", []string{"a@x"}, nil)
	assert.NotEqual(t, Hash(base), Hash(core.NewACL("other@example.com", []string{"a@x"}, nil)))
	assert.NotEqual(t, Hash(base), Hash(core.NewACL("owner@example.com", []string{"a@x", "b@x"}, nil)))
	assert.NotEqual(t, Hash(base), Hash(core.NewACL("owner@example.com", nil, []string{"a@x"})))
	assert.Equal(t, Hash(nil), Hash(core.NewACL("", nil, nil)))
}

func TestUpdateUnchangedSkipsRewrite(t *testing.T) {
	store := newFakeChunkStore()
	acl := core.NewACL("owner@example.com", []string{"a@x"}, nil)
	store.hashes["doc-1"] = Hash(acl)

	u := NewUpdater(store, nil, testLogger())
	res := u.Update(context.Background(), "doc-1", acl)

	assert.Equal(t, StatusUnchanged, res.Status)
	assert.Empty(t, store.updates)
}

func TestUpdateRewritesOnHashMismatch(t *testing.T) {
	store := newFakeChunkStore()
	store.hashes["doc-1"] = 12345
	store.counts["doc-1"] = 7

	acl := core.NewACL("owner@example.com", []string{"a@x"}, nil)
	u := NewUpdater(store, nil, testLogger())
	res := u.Update(context.Background(), "doc-1", acl)

	require.Equal(t, StatusUpdated, res.Status)
	assert.Equal(t, 7, res.ChunksUpdated)
	assert.Equal(t, []string{"doc-1"}, store.updates)
	assert.Equal(t, Hash(acl), store.hashes["doc-1"])

	// A second pass with the same ACL is a no-op.
	res = u.Update(context.Background(), "doc-1", acl)
	assert.Equal(t, StatusUnchanged, res.Status)
	assert.Len(t, store.updates, 1)
}

func TestUpdateTreatsDocumentWithoutChunksAsNew(t *testing.T) {
	store := newFakeChunkStore()
	u := NewUpdater(store, nil, testLogger())

	acl := core.NewACL("o@x", nil, nil)
	res := u.Update(context.Background(), "fresh", acl)
	// No stored hash to compare against; the write happens unconditionally.
	require.Equal(t, StatusUpdated, res.Status)
	assert.Equal(t, 0, res.ChunksUpdated)
	assert.Equal(t, []string{"fresh"}, store.updates)
	assert.Equal(t, Hash(acl), store.hashes["fresh"])
}

func TestUpdateReportsProbeFailure(t *testing.T) {
	store := newFakeChunkStore()
	store.probeErr["doc-1"] = errors.New("db down")

	u := NewUpdater(store, nil, testLogger())
	res := u.Update(context.Background(), "doc-1", core.NewACL("o@x", nil, nil))

	require.Equal(t, StatusFailed, res.Status)
	assert.ErrorContains(t, res.Error, "db down")
}

func TestUpdateBatchIsolatesFailures(t *testing.T) {
	store := newFakeChunkStore()
	acl := core.NewACL("owner@example.com", []string{"a@x"}, nil)
	store.hashes["doc-a"] = 1
	store.hashes["doc-b"] = 1
	store.hashes["doc-c"] = Hash(acl)
	store.updateErr["doc-b"] = errors.New("write failed")

	u := NewUpdater(store, &Config{MaxConcurrency: 2}, testLogger())
	results := u.UpdateBatch(context.Background(), map[string]*core.ACL{
		"doc-a": acl,
		"doc-b": acl,
		"doc-c": acl,
	})

	require.Len(t, results, 3)
	byID := make(map[string]*Result, len(results))
	for _, r := range results {
		byID[r.DocumentID] = r
	}
	assert.Equal(t, StatusUpdated, byID["doc-a"].Status)
	assert.Equal(t, StatusFailed, byID["doc-b"].Status)
	assert.Equal(t, StatusUnchanged, byID["doc-c"].Status)
}
