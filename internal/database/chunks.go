package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/wbe7/openrag/internal/database/models"
	"github.com/wbe7/openrag/pkg/acl"
	"github.com/wbe7/openrag/pkg/core"
)

// ChunkStore implements acl.ChunkStore over the chunks table.
type ChunkStore struct {
	db *gorm.DB
}

// NewChunkStore creates a chunk store.
func NewChunkStore(db *gorm.DB) *ChunkStore {
	return &ChunkStore{db: db}
}

// ProbeACLHash reads the stored ACL hash off one chunk of the document.
func (s *ChunkStore) ProbeACLHash(ctx context.Context, documentID string) (uint64, error) {
	var chunk models.Chunk
	err := s.db.WithContext(ctx).
		Select("acl_hash").
		Where("document_id = ?", documentID).
		Limit(1).
		Take(&chunk).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, acl.ErrNoChunks
	}
	if err != nil {
		return 0, fmt.Errorf("probing chunk: %w", err)
	}
	return chunk.ACLHash, nil
}

// UpdateACL rewrites the ACL columns of every chunk of the document.
func (s *ChunkStore) UpdateACL(ctx context.Context, documentID string, a *core.ACL, hash uint64) (int, error) {
	if a == nil {
		a = core.NewACL("", nil, nil)
	}
	a = a.Normalize()

	res := s.db.WithContext(ctx).Model(&models.Chunk{}).
		Where("document_id = ?", documentID).
		Updates(map[string]interface{}{
			"owner":          a.Owner,
			"allowed_users":  models.StringSlice(a.AllowedUsers),
			"allowed_groups": models.StringSlice(a.AllowedGroups),
			"acl_hash":       hash,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("updating chunk acl: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}
