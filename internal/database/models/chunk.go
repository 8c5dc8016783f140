package models

import (
	"time"

	"github.com/google/uuid"
)

// Chunk represents one indexed fragment of a synced document. The service
// only reads and rewrites the access control columns; content and embedding
// columns belong to the indexing pipeline.
type Chunk struct {
	ID         uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	DocumentID string    `gorm:"not null;index" json:"document_id"`

	ChunkNumber int    `gorm:"not null" json:"chunk_number"`
	Content     string `gorm:"type:text" json:"content"`
	ContentHash string `gorm:"index" json:"content_hash"`

	// Access control, denormalized onto every chunk so retrieval can filter
	// without joining. ACLHash gates rewrites.
	Owner         string      `json:"owner,omitempty"`
	AllowedUsers  StringSlice `gorm:"type:jsonb" json:"allowed_users,omitempty"`
	AllowedGroups StringSlice `gorm:"type:jsonb" json:"allowed_groups,omitempty"`
	ACLHash       uint64      `gorm:"column:acl_hash;index" json:"acl_hash"`

	EmbeddingStatus string `gorm:"default:'pending'" json:"embedding_status"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// TableName returns the table name for the Chunk model.
func (Chunk) TableName() string {
	return "chunks"
}
