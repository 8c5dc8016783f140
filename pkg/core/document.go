package core

import (
	"sort"
	"time"
)

// Document is the normalized representation of one fetched file. It is
// transient: produced per download and handed straight to the ingestion
// collaborator, never persisted by the connector subsystem.
type Document struct {
	ID           string            `json:"id"`
	Filename     string            `json:"filename"`
	MimeType     string            `json:"mime_type"`
	Content      []byte            `json:"-"`
	SourceURL    string            `json:"source_url,omitempty"`
	ACL          *ACL              `json:"acl"`
	CreatedTime  time.Time         `json:"created_time"`
	ModifiedTime time.Time         `json:"modified_time"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ACL carries the access-control list of a document. The user and group
// slices are never nil so downstream permission filtering stays total.
type ACL struct {
	Owner         string   `json:"owner,omitempty"`
	AllowedUsers  []string `json:"allowed_users"`
	AllowedGroups []string `json:"allowed_groups"`
}

// NewACL builds an ACL with non-nil, deduplicated user and group sets.
func NewACL(owner string, users, groups []string) *ACL {
	return &ACL{
		Owner:         owner,
		AllowedUsers:  dedupeSorted(users),
		AllowedGroups: dedupeSorted(groups),
	}
}

// Normalize returns a copy with non-nil, sorted, deduplicated sets. Useful
// for ACLs decoded from external payloads.
func (a *ACL) Normalize() *ACL {
	if a == nil {
		return NewACL("", nil, nil)
	}
	return NewACL(a.Owner, a.AllowedUsers, a.AllowedGroups)
}

func dedupeSorted(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
