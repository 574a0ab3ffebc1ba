// Package bus implements the durable, replayable event-bus adapter of §4.1:
// publish/consume/ack with consumer-group bookmarks, at-least-once delivery
// and a dead-letter topic. Grounded on the teacher's channel-dispatch loops
// in core/engine.go, generalized into a persisted log instead of in-memory
// channels so redelivery survives a restart.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/web3guy0/execcore/internal/types"
)

// message is the durable row backing one published envelope.
type message struct {
	Offset       uint64 `gorm:"primaryKey;autoIncrement"`
	Topic        string `gorm:"index:idx_bus_topic_offset"`
	EnvelopeJSON string `gorm:"type:text"`
	PublishedAt  time.Time
}

// bookmark tracks how far a consumer group has acked within a topic.
type bookmark struct {
	Topic      string `gorm:"primaryKey;column:topic"`
	GroupName  string `gorm:"primaryKey;column:group_name"`
	AckOffset  uint64
	UpdatedAt  time.Time
}

// dlqRow holds a message that failed validation or handling, verbatim.
type dlqRow struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Topic     string
	Raw       string `gorm:"type:text"`
	Reason    string
	CreatedAt time.Time
}

// Batch is a contiguous slice of envelopes returned by Consume.
type Batch struct {
	Messages []Delivery
}

// Delivery pairs a stream offset with its envelope for acking.
type Delivery struct {
	Offset   uint64
	Envelope types.Envelope
}

// Bus is a durable, gorm-backed append-only log with consumer-group semantics.
type Bus struct {
	db *gorm.DB
	mu sync.Mutex
}

// New wraps an existing gorm connection (shared with the storage.Store) and
// migrates the bus tables.
func New(db *gorm.DB) (*Bus, error) {
	if err := db.AutoMigrate(&message{}, &bookmark{}, &dlqRow{}); err != nil {
		return nil, fmt.Errorf("automigrate bus tables: %w", err)
	}
	return &Bus{db: db}, nil
}

// Publish appends an envelope to a topic. Safe under retry: callers that
// need publish-idempotence should dedupe on envelope.EventID upstream (the
// receiving side's business idempotency, per §4.1's guarantee note).
func (b *Bus) Publish(topic string, env types.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	row := message{Topic: topic, EnvelopeJSON: string(raw), PublishedAt: time.Now()}
	if err := b.db.Create(&row).Error; err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// EnsureGroup creates the bookmark row for a (topic, group) pair if absent.
func (b *Bus) EnsureGroup(topic, group string) error {
	return b.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&bookmark{
		Topic: topic, GroupName: group, AckOffset: 0, UpdatedAt: time.Now(),
	}).Error
}

// Consume performs a bounded long-poll wait for new messages past the
// group's bookmark. It honors the suspension-point rule in §5: the wait is
// capped by ctx so the loop can still respond to shutdown promptly.
func (b *Bus) Consume(ctx context.Context, topic, group string, maxBatch int, pollEvery time.Duration) (Batch, error) {
	if err := b.EnsureGroup(topic, group); err != nil {
		return Batch{}, err
	}

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		batch, err := b.readOnce(topic, group, maxBatch)
		if err != nil {
			return Batch{}, err
		}
		if len(batch.Messages) > 0 {
			return batch, nil
		}

		select {
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		case <-ticker.C:
			continue
		}
	}
}

func (b *Bus) readOnce(topic, group string, maxBatch int) (Batch, error) {
	var bm bookmark
	if err := b.db.Where("topic = ? AND group_name = ?", topic, group).First(&bm).Error; err != nil {
		if err != gorm.ErrRecordNotFound {
			return Batch{}, err
		}
	}

	var rows []message
	if err := b.db.Where("topic = ? AND offset > ?", topic, bm.AckOffset).
		Order("offset asc").Limit(maxBatch).Find(&rows).Error; err != nil {
		return Batch{}, err
	}

	out := Batch{Messages: make([]Delivery, 0, len(rows))}
	for _, r := range rows {
		var env types.Envelope
		if err := json.Unmarshal([]byte(r.EnvelopeJSON), &env); err != nil {
			b.deadLetter(topic, r.EnvelopeJSON, err.Error())
			// Ack past the unparseable message so the consumer doesn't wedge.
			_ = b.Ack(topic, group, r.Offset)
			continue
		}
		out.Messages = append(out.Messages, Delivery{Offset: r.Offset, Envelope: env})
	}
	return out, nil
}

// Ack advances the group bookmark to offset, if offset is newer.
func (b *Bus) Ack(topic, group string, offset uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.db.Model(&bookmark{}).
		Where("topic = ? AND group_name = ? AND ack_offset < ?", topic, group, offset).
		Updates(map[string]any{"ack_offset": offset, "updated_at": time.Now()}).Error
}

// PendingCount returns the number of unacked messages for a group.
func (b *Bus) PendingCount(topic, group string) (int64, error) {
	var bm bookmark
	if err := b.db.Where("topic = ? AND group_name = ?", topic, group).First(&bm).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			bm.AckOffset = 0
		} else {
			return 0, err
		}
	}
	var n int64
	err := b.db.Model(&message{}).Where("topic = ? AND offset > ?", topic, bm.AckOffset).Count(&n).Error
	return n, err
}

// GroupLag is an alias for PendingCount, matching §4.1's operation name.
func (b *Bus) GroupLag(topic, group string) (int64, error) {
	return b.PendingCount(topic, group)
}

// deadLetter stores a verbatim failed message, per §7's schema-validation handling.
func (b *Bus) deadLetter(topic, raw, reason string) {
	if err := b.db.Create(&dlqRow{Topic: topic, Raw: raw, Reason: reason, CreatedAt: time.Now()}).Error; err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("failed to write dlq row")
	}
}

// DeadLetter exposes verbatim dead-lettering to callers whose handler itself
// fails (processing exceptions must never kill a consumer, §7).
func (b *Bus) DeadLetter(topic string, env types.Envelope, reason string) {
	raw, _ := json.Marshal(env)
	b.deadLetter(topic, string(raw), reason)
}
