// Package notify publishes committed schedule changes so other parts of the
// shop (boards, mechanic apps) can refresh a box without polling.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"shopfloor/backend/internal/domain"
	"shopfloor/backend/internal/schedule"
)

const EventRescheduled = "appointments.rescheduled"

// Event describes the committed changes to one box.
type Event struct {
	Type         string               `json:"type"`
	BoxID        uuid.UUID            `json:"boxId"`
	Appointments []domain.Appointment `json:"appointments"`
	Cascade      []schedule.Move      `json:"cascade"`
	OccurredAt   time.Time            `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

type publishClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type RedisPublisher struct {
	client publishClient
	closer func() error
	prefix string
}

// NewRedisPublisher connects to the redis URL (redis:// or rediss://).
// Events for box X go to "<prefix>:boxes:X".
func NewRedisPublisher(ctx context.Context, url, prefix string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisPublisher{client: client, closer: client.Close, prefix: prefix}, nil
}

func (p *RedisPublisher) Channel(boxID uuid.UUID) string {
	return p.prefix + ":boxes:" + boxID.String()
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.Channel(event.BoxID), payload).Err()
}

func (p *RedisPublisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}
