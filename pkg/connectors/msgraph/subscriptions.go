package msgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/wbe7/openrag/pkg/core"
)

// Graph rejects subscriptions on drive resources longer than about 30 days;
// renewal keeps them alive well within that bound.
const maxSubscriptionTTL = 29 * 24 * time.Hour

// CreateSubscription registers a change-notification subscription for the
// resource and returns the provider-assigned subscription.
func CreateSubscription(ctx context.Context, client *Client, resource, notificationURL string, ttl time.Duration) (*Subscription, error) {
	if notificationURL == "" {
		return nil, fmt.Errorf("webhook address not configured")
	}
	if ttl <= 0 || ttl > maxSubscriptionTTL {
		ttl = maxSubscriptionTTL
	}

	req := &Subscription{
		Resource:           resource,
		ChangeType:         "updated",
		NotificationURL:    notificationURL,
		ExpirationDateTime: time.Now().UTC().Add(ttl),
		ClientState:        uuid.New().String(),
	}
	var created Subscription
	if err := client.PostJSON(ctx, "/subscriptions", req, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// RenewSubscription pushes a subscription's expiration forward.
func RenewSubscription(ctx context.Context, client *Client, subscriptionID string, ttl time.Duration) (*Subscription, error) {
	if ttl <= 0 || ttl > maxSubscriptionTTL {
		ttl = maxSubscriptionTTL
	}
	req := map[string]string{
		"expirationDateTime": time.Now().UTC().Add(ttl).Format(time.RFC3339),
	}
	var renewed Subscription
	err := client.PatchJSON(ctx, "/subscriptions/"+url.PathEscape(subscriptionID), req, &renewed)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("subscription %s: %w", subscriptionID, core.ErrSubscriptionExpired)
		}
		return nil, err
	}
	return &renewed, nil
}

// DeleteSubscription removes a subscription. A subscription the provider no
// longer knows about counts as removed.
func DeleteSubscription(ctx context.Context, client *Client, subscriptionID string) bool {
	err := client.Delete(ctx, "/subscriptions/"+url.PathEscape(subscriptionID))
	if err == nil || errors.Is(err, core.ErrNotFound) {
		return true
	}
	return false
}

// ValidationChallenge extracts the handshake token Graph sends when a
// subscription is created. The token must be echoed back synchronously as
// text/plain before any notification is delivered.
func ValidationChallenge(query url.Values) (string, bool) {
	token := query.Get("validationToken")
	if token == "" {
		token = query.Get("validationtoken")
	}
	return token, token != ""
}

// ParseNotifications decodes an inbound notification payload and returns the
// entries matching subscriptionID. Entries carrying a mismatched clientState
// are dropped.
func ParseNotifications(payload []byte, subscriptionID, clientState string) ([]*Notification, error) {
	var envelope NotificationEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("malformed notification payload: %w", err)
	}

	var matched []*Notification
	for _, n := range envelope.Value {
		if subscriptionID != "" && n.SubscriptionID != subscriptionID {
			continue
		}
		if clientState != "" && n.ClientState != "" && n.ClientState != clientState {
			continue
		}
		matched = append(matched, n)
	}
	return matched, nil
}
