// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/sentinelarr/sentinelarr/internal/poll"
)

// Notification topics. Delivery formatting lives in downstream consumers;
// the bus only carries the structured payloads.
const (
	TopicNotifications = "notifications.sessions"
	TopicAlerts        = "notifications.alerts"
)

// alertPayload is the outbound shape for rule-triggered notify actions.
type alertPayload struct {
	Channels  []string  `json:"channels,omitempty"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// QueueNotification publishes a session started/stopped notification. It
// implements poll.NotificationQueue.
func (b *Bus) QueueNotification(ctx context.Context, n poll.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	msg := message.NewMessage(uuid.New().String(), data)
	msg.Metadata.Set("kind", n.Kind)

	_, err = b.breaker.Execute(func() (any, error) {
		return nil, b.publisher.Publish(TopicNotifications, msg)
	})
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Enqueue publishes a rule-triggered alert. It implements actions.Notifier.
func (b *Bus) Enqueue(ctx context.Context, channels []string, subject, body string) error {
	data, err := json.Marshal(alertPayload{
		Channels:  channels,
		Subject:   subject,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	_, err = b.breaker.Execute(func() (any, error) {
		return nil, b.publisher.Publish(TopicAlerts, message.NewMessage(uuid.New().String(), data))
	})
	if err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}
