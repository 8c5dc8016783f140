package msgraph

import (
	"time"

	"github.com/wbe7/openrag/pkg/core"
)

// DriveItem is a file or folder in a Graph drive.
type DriveItem struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Size                 int64           `json:"size"`
	WebURL               string          `json:"webUrl"`
	CreatedDateTime      time.Time       `json:"createdDateTime"`
	LastModifiedDateTime time.Time       `json:"lastModifiedDateTime"`
	File                 *FileFacet      `json:"file,omitempty"`
	Folder               *FolderFacet    `json:"folder,omitempty"`
	RemoteItem           *RemoteItem     `json:"remoteItem,omitempty"`
	Deleted              *DeletedFacet   `json:"deleted,omitempty"`
	ParentReference      *ItemReference  `json:"parentReference,omitempty"`
	CreatedBy            *IdentitySet    `json:"createdBy,omitempty"`
}

// FileFacet marks an item as a file.
type FileFacet struct {
	MimeType string `json:"mimeType"`
}

// FolderFacet marks an item as a folder.
type FolderFacet struct {
	ChildCount int64 `json:"childCount"`
}

// RemoteItem marks an item as a link into another drive. The nested item
// carries the real target's identity.
type RemoteItem struct {
	ID              string         `json:"id"`
	ParentReference *ItemReference `json:"parentReference,omitempty"`
}

// DeletedFacet marks an item as removed in a delta feed.
type DeletedFacet struct {
	State string `json:"state"`
}

// ItemReference locates an item's parent drive.
type ItemReference struct {
	DriveID string `json:"driveId"`
	ID      string `json:"id"`
	Path    string `json:"path"`
}

// IdentitySet names the actor behind an item event.
type IdentitySet struct {
	User *Identity `json:"user,omitempty"`
}

// Identity is one Graph principal.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// ItemCollection is one page of drive items, with optional delta links.
type ItemCollection struct {
	Value     []*DriveItem `json:"value"`
	NextLink  string       `json:"@odata.nextLink"`
	DeltaLink string       `json:"@odata.deltaLink"`
}

// Permission is one entry of an item's permission list.
type Permission struct {
	ID                  string        `json:"id"`
	Roles               []string      `json:"roles"`
	GrantedToV2         *SharePointIdentitySet `json:"grantedToV2,omitempty"`
	GrantedToIdentities []*IdentitySet         `json:"grantedToIdentitiesV2,omitempty"`
}

// SharePointIdentitySet extends IdentitySet with group principals.
type SharePointIdentitySet struct {
	User  *Identity `json:"user,omitempty"`
	Group *Identity `json:"group,omitempty"`
}

// PermissionCollection is the permission list of one item.
type PermissionCollection struct {
	Value []*Permission `json:"value"`
}

// Subscription is a Graph change-notification subscription.
type Subscription struct {
	ID                 string    `json:"id,omitempty"`
	Resource           string    `json:"resource"`
	ChangeType         string    `json:"changeType"`
	NotificationURL    string    `json:"notificationUrl"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	ClientState        string    `json:"clientState,omitempty"`
}

// Notification is one entry of an inbound change-notification payload.
type Notification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ResourceData   *struct {
		ID string `json:"id"`
	} `json:"resourceData,omitempty"`
}

// NotificationEnvelope is the inbound webhook payload.
type NotificationEnvelope struct {
	Value []*Notification `json:"value"`
}

// ToFileInfo converts a drive item to the provider-neutral form. Remote
// items surface as shortcuts carrying their target id.
func (i *DriveItem) ToFileInfo() *core.FileInfo {
	info := &core.FileInfo{
		ID:           i.ID,
		Name:         i.Name,
		Size:         i.Size,
		IsFolder:     i.Folder != nil,
		Trashed:      i.Deleted != nil,
		WebViewLink:  i.WebURL,
		CreatedTime:  i.CreatedDateTime,
		ModifiedTime: i.LastModifiedDateTime,
	}
	if i.File != nil {
		info.MimeType = i.File.MimeType
	}
	if i.RemoteItem != nil {
		info.ShortcutTargetID = i.RemoteItem.ID
	}
	return info
}

// ACLFromPermissions flattens a Graph permission list into a document ACL.
func ACLFromPermissions(owner string, perms *PermissionCollection) *core.ACL {
	var users, groups []string
	if perms != nil {
		for _, p := range perms.Value {
			if p.GrantedToV2 != nil {
				if p.GrantedToV2.User != nil && p.GrantedToV2.User.Email != "" {
					users = append(users, p.GrantedToV2.User.Email)
				}
				if p.GrantedToV2.Group != nil && p.GrantedToV2.Group.ID != "" {
					groups = append(groups, p.GrantedToV2.Group.ID)
				}
			}
			for _, ident := range p.GrantedToIdentities {
				if ident.User != nil && ident.User.Email != "" {
					users = append(users, ident.User.Email)
				}
			}
		}
	}
	return core.NewACL(owner, users, groups)
}
