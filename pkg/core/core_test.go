package core

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewACL(t *testing.T) {
	acl := NewACL("owner@example.com",
		[]string{"b@example.com", "a@example.com", "b@example.com"},
		nil)

	assert.Equal(t, "owner@example.com", acl.Owner)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, acl.AllowedUsers)
	assert.NotNil(t, acl.AllowedGroups)
	assert.Empty(t, acl.AllowedGroups)
}

func TestACLNormalize(t *testing.T) {
	acl := &ACL{
		Owner:        "owner@example.com",
		AllowedUsers: []string{"z@example.com", "a@example.com", "a@example.com"},
	}
	normalized := acl.Normalize()

	assert.Equal(t, []string{"a@example.com", "z@example.com"}, normalized.AllowedUsers)
	assert.NotNil(t, normalized.AllowedGroups)
	// The original is untouched.
	assert.Equal(t, []string{"z@example.com", "a@example.com", "a@example.com"}, acl.AllowedUsers)
}

func TestSelectiveScopeIsEmpty(t *testing.T) {
	var nilScope *SelectiveScope
	assert.True(t, nilScope.IsEmpty())
	assert.True(t, (&SelectiveScope{}).IsEmpty())
	assert.True(t, (&SelectiveScope{Recursive: true}).IsEmpty())
	assert.False(t, (&SelectiveScope{FileIDs: []string{"a"}}).IsEmpty())
	assert.False(t, (&SelectiveScope{FolderIDs: []string{"b"}}).IsEmpty())
}

func TestSelectiveScopeContains(t *testing.T) {
	scope := &SelectiveScope{FileIDs: []string{"a"}, FolderIDs: []string{"b"}}
	assert.True(t, scope.Contains("a"))
	assert.True(t, scope.Contains("b"))
	assert.False(t, scope.Contains("c"))

	empty := &SelectiveScope{}
	assert.True(t, empty.Contains("anything"))
}

func TestFileInfoIsShortcut(t *testing.T) {
	assert.False(t, (&FileInfo{ID: "a"}).IsShortcut())
	assert.True(t, (&FileInfo{ID: "a", ShortcutTargetID: "b"}).IsShortcut())
}

func TestWebhookChannelExpired(t *testing.T) {
	now := time.Now()
	assert.False(t, (&WebhookChannel{}).Expired(now))
	assert.False(t, (&WebhookChannel{Expiration: now.Add(time.Hour)}).Expired(now))
	assert.True(t, (&WebhookChannel{Expiration: now.Add(-time.Hour)}).Expired(now))
}

func TestConnectorTypeIsValid(t *testing.T) {
	assert.True(t, ConnectorTypeGoogleDrive.IsValid())
	assert.True(t, ConnectorTypeOneDrive.IsValid())
	assert.True(t, ConnectorTypeSharePoint.IsValid())
	assert.False(t, ConnectorType("dropbox").IsValid())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrRateLimited))
	assert.True(t, IsRetryable(fmt.Errorf("wrap: %w", ErrRateLimited)))
	assert.True(t, IsRetryable(Transient(errors.New("connection reset"))))
	assert.False(t, IsRetryable(ErrAuthExpired))
	assert.False(t, IsRetryable(ErrNotFound))
	assert.False(t, IsRetryable(nil))
}

func TestIsFatalForPass(t *testing.T) {
	assert.True(t, IsFatalForPass(ErrAuthExpired))
	assert.True(t, IsFatalForPass(ErrQuotaExceeded))
	assert.True(t, IsFatalForPass(fmt.Errorf("wrap: %w", ErrQuotaExceeded)))
	assert.False(t, IsFatalForPass(ErrRateLimited))
	assert.False(t, IsFatalForPass(ErrNotFound))
	assert.False(t, IsFatalForPass(nil))
}

func TestTransientUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := Transient(inner)
	assert.True(t, errors.Is(err, inner))
}
