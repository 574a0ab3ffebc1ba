// Package idempotency implements the plan-level distributed lock of §4.2
// step 1 and §5: "plan:{idempotency_key}" with a TTL, serializing duplicate
// trade_plan deliveries across consumer instances. Grounded on the teacher's
// risk/gate.go per-asset state-tracking maps, backed by the shared database
// connection so the lock is visible to every process sharing it.
package idempotency

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// lockRow is the durable lock row; a row present with Expiry in the future
// means the key is held.
type lockRow struct {
	Key       string `gorm:"primaryKey"`
	Token     string
	ExpiresAt time.Time
}

// Locker grants short-lived locks keyed by an arbitrary string (here,
// "plan:{idempotency_key}").
type Locker struct {
	db *gorm.DB
}

// New migrates the lock table and returns a Locker bound to db.
func New(db *gorm.DB) (*Locker, error) {
	if err := db.AutoMigrate(&lockRow{}); err != nil {
		return nil, fmt.Errorf("automigrate lock table: %w", err)
	}
	return &Locker{db: db}, nil
}

// Acquire tries to take the lock for ttl. It returns (true, nil) on
// success, or (false, nil) if the lock is currently held by someone else
// (the caller should treat this as "duplicate delivery, ack silently" per
// §4.2 step 1).
func (l *Locker) Acquire(key, token string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	res := l.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&lockRow{
		Key: key, Token: token, ExpiresAt: expiresAt,
	})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	// Row existed; steal it only if expired.
	tx := l.db.Model(&lockRow{}).
		Where("key = ? AND expires_at < ?", key, now).
		Updates(map[string]any{"token": token, "expires_at": expiresAt})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// Release drops the lock if still held by token (no-op otherwise — a lock
// that has already been stolen by a newer token must not be released by a
// stale owner).
func (l *Locker) Release(key, token string) error {
	return l.db.Where("key = ? AND token = ?", key, token).Delete(&lockRow{}).Error
}

// PlanKey formats the idempotency-lock key for a trade plan.
func PlanKey(idempotencyKey string) string {
	return "plan:" + idempotencyKey
}
