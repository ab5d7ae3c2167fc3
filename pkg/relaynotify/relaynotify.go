// Package relaynotify sends a Web Push notification when a SharedHost
// needs to surface something to the user and every attached tab is
// hidden — there is no on-screen surface to report through otherwise.
package relaynotify

import (
	"context"
	"encoding/json"
	"fmt"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// Subscription is a browser push subscription, following push.go's
// Subscription/Keys shape.
type Subscription struct {
	Endpoint string
	Keys     Keys
}

type Keys struct {
	P256dh string
	Auth   string
}

// Notification is the payload delivered to the browser's push handler.
type Notification struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Tag   string         `json:"tag,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// Notifier sends Notifications to a fixed Subscription using VAPID
// credentials, mirroring push.Service.SendToSubscription without the
// multi-subscriber store — a SharedHost notifies at most one operator
// endpoint per identity.
type Notifier struct {
	sub          Subscription
	vapidPublic  string
	vapidPrivate string
	subject      string
}

// New constructs a Notifier. subject must be a "mailto:" or "https:" URL
// per the Web Push VAPID spec.
func New(sub Subscription, vapidPublic, vapidPrivate, subject string) *Notifier {
	return &Notifier{sub: sub, vapidPublic: vapidPublic, vapidPrivate: vapidPrivate, subject: subject}
}

// Send delivers a notification, ignoring nil receivers so callers can
// treat an unconfigured Notifier as an optional dependency.
func (n *Notifier) Send(ctx context.Context, note Notification) error {
	if n == nil {
		return nil
	}
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	wpSub := &webpush.Subscription{
		Endpoint: n.sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: n.sub.Keys.P256dh,
			Auth:   n.sub.Keys.Auth,
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, &webpush.Options{
		Subscriber:      n.subject,
		VAPIDPublicKey:  n.vapidPublic,
		VAPIDPrivateKey: n.vapidPrivate,
		TTL:             3600,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return fmt.Errorf("send push notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("push service returned status %d", resp.StatusCode)
	}
	return nil
}

// AuthConflictNotification builds the notification sent when
// WORKER_AUTH_CONFLICT fires with no visible tab.
func AuthConflictNotification(currentUserID, newUserID string) Notification {
	return Notification{
		Title: "Session changed",
		Body:  fmt.Sprintf("Signed in as %s, replacing %s", newUserID, currentUserID),
		Tag:   "relayhub-auth-conflict",
		Data:  map[string]any{"type": "auth_conflict", "currentUserId": currentUserID, "newUserId": newUserID},
	}
}

// CircuitTrippedNotification builds the notification sent when the
// fast-close circuit breaker trips with no visible tab.
func CircuitTrippedNotification(explanation string) Notification {
	return Notification{
		Title: "Connection suspended",
		Body:  explanation,
		Tag:   "relayhub-circuit-tripped",
		Data:  map[string]any{"type": "circuit_tripped"},
	}
}
