// Package storage is the repository layer: idempotent, upsert-on-primary-key
// persistence for positions, orders, fills, execution reports, risk events,
// cooldowns, risk state and snapshots (§4.11).
package storage

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/execcore/internal/types"
)

// Store wraps a gorm connection with the repository operations the core needs.
type Store struct {
	db *gorm.DB
}

// Open connects using driver ("sqlite" or "postgres") and runs AutoMigrate,
// mirroring the teacher's internal/database/database.go gorm.Open + AutoMigrate pattern.
func Open(driver, dsn string) (*Store, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&types.Position{},
		&types.Order{},
		&types.Fill{},
		&types.Cooldown{},
		&types.RiskState{},
		&types.RiskEvent{},
		&types.ExecutionReport{},
		&types.RuntimeFlag{},
		&types.WalletSnapshot{},
		&types.AccountSnapshot{},
		&types.BarClosePublishGuard{},
	); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	log.Info().Str("driver", driver).Msg("storage connected")

	return &Store{db: db}, nil
}

// DB exposes the underlying gorm handle for components that need raw scans.
func (s *Store) DB() *gorm.DB { return s.db }

// --- Positions -------------------------------------------------------------

// UpsertPosition writes a position keyed by idempotency_key.
func (s *Store) UpsertPosition(pos *types.Position) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		UpdateAll: true,
	}).Create(pos).Error
}

// GetPositionByIdempotencyKey returns the position for a plan, if admitted.
func (s *Store) GetPositionByIdempotencyKey(key string) (*types.Position, error) {
	var pos types.Position
	err := s.db.Where("idempotency_key = ?", key).First(&pos).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &pos, err
}

// OpenPositionsBySymbolSide returns all OPEN positions for (symbol, side).
func (s *Store) OpenPositionsBySymbolSide(symbol string, side types.Side) ([]types.Position, error) {
	var out []types.Position
	err := s.db.Where("symbol = ? AND side = ? AND status = ?", symbol, side, types.PositionOpen).Find(&out).Error
	return out, err
}

// CountOpenPositions returns the total number of OPEN positions.
func (s *Store) CountOpenPositions() (int64, error) {
	var n int64
	err := s.db.Model(&types.Position{}).Where("status = ?", types.PositionOpen).Count(&n).Error
	return n, err
}

// AllOpenPositions lists every OPEN position, used by reconcile/possync/crash-recovery.
func (s *Store) AllOpenPositions() ([]types.Position, error) {
	var out []types.Position
	err := s.db.Where("status = ?", types.PositionOpen).Find(&out).Error
	return out, err
}

// --- Orders ------------------------------------------------------------------

// UpsertOrder writes an order keyed by (idempotency_key, purpose).
func (s *Store) UpsertOrder(o *types.Order) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}, {Name: "purpose"}},
		UpdateAll: true,
	}).Create(o).Error
}

// GetOrder returns the order for a (idempotency_key, purpose) pair.
func (s *Store) GetOrder(idempotencyKey string, purpose types.OrderPurpose) (*types.Order, error) {
	var o types.Order
	err := s.db.Where("idempotency_key = ? AND purpose = ?", idempotencyKey, purpose).First(&o).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &o, err
}

// GetOrderByVenueID looks up an order by venue order id, used by WS/reconcile handlers.
func (s *Store) GetOrderByVenueID(venueOrderID string) (*types.Order, error) {
	var o types.Order
	err := s.db.Where("venue_order_id = ?", venueOrderID).First(&o).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &o, err
}

// OrdersForPosition returns every order for a position's idempotency key.
func (s *Store) OrdersForPosition(idempotencyKey string) ([]types.Order, error) {
	var out []types.Order
	err := s.db.Where("idempotency_key = ?", idempotencyKey).Find(&out).Error
	return out, err
}

// --- Fills ---------------------------------------------------------------

// InsertFill appends a fill row, ignoring duplicates by venue_exec_id (idempotent re-delivery).
func (s *Store) InsertFill(f *types.Fill) error {
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(f).Error
}

// FillsForOrder returns every fill recorded against an order, letting a
// caller converge the order's fill state from the execution stream directly
// instead of waiting on a separate order-topic message.
func (s *Store) FillsForOrder(orderID string) ([]types.Fill, error) {
	var fills []types.Fill
	err := s.db.Where("order_id = ?", orderID).Find(&fills).Error
	return fills, err
}

// --- Cooldowns -------------------------------------------------------------

// InsertCooldown records a new cooldown row.
func (s *Store) InsertCooldown(c *types.Cooldown) error {
	return s.db.Create(c).Error
}

// ActiveCooldown returns true if an unexpired cooldown exists for the key.
func (s *Store) ActiveCooldown(symbol string, side types.Side, tf types.Timeframe, nowMs int64) (bool, error) {
	var n int64
	err := s.db.Model(&types.Cooldown{}).
		Where("symbol = ? AND side = ? AND timeframe = ? AND until_ms > ?", symbol, side, tf, nowMs).
		Count(&n).Error
	return n > 0, err
}

// --- Risk state ------------------------------------------------------------

// UpsertRiskState writes the daily risk ledger row keyed by trade_date.
func (s *Store) UpsertRiskState(rs *types.RiskState) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trade_date"}},
		UpdateAll: true,
	}).Create(rs).Error
}

// GetRiskState returns the ledger row for a trade date, or nil if absent.
func (s *Store) GetRiskState(tradeDate string) (*types.RiskState, error) {
	var rs types.RiskState
	err := s.db.Where("trade_date = ?", tradeDate).First(&rs).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &rs, err
}

// --- Risk events & execution reports (append-only, event_id-keyed) --------

// InsertRiskEvent persists a risk event, idempotent on event_id.
func (s *Store) InsertRiskEvent(e *types.RiskEvent) error {
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(e).Error
}

// InsertExecutionReport persists a report, idempotent on event_id.
func (s *Store) InsertExecutionReport(r *types.ExecutionReport) error {
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(r).Error
}

// LastRiskEventOfType returns the most recent event of a type for windowed dedup recovery.
func (s *Store) LastRiskEventOfType(evtType types.RiskEventType, symbol string) (*types.RiskEvent, error) {
	var e types.RiskEvent
	q := s.db.Where("type = ?", evtType)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	err := q.Order("ts_ms desc").First(&e).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &e, err
}

// --- Runtime flags -----------------------------------------------------------

// SetFlag upserts a runtime flag.
func (s *Store) SetFlag(key, value string) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(&types.RuntimeFlag{Key: key, Value: value, UpdatedAt: time.Now()}).Error
}

// GetFlag reads a runtime flag, returning "" if unset.
func (s *Store) GetFlag(key string) (string, error) {
	var f types.RuntimeFlag
	err := s.db.Where(`"key" = ?`, key).First(&f).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	return f.Value, err
}

// --- Snapshots ---------------------------------------------------------------

// InsertWalletSnapshot records a periodic equity capture.
func (s *Store) InsertWalletSnapshot(ws *types.WalletSnapshot) error {
	return s.db.Create(ws).Error
}

// LatestWalletSnapshot returns the most recent snapshot from the given source.
func (s *Store) LatestWalletSnapshot(source types.SnapshotSource) (*types.WalletSnapshot, error) {
	var ws types.WalletSnapshot
	err := s.db.Where("source = ?", source).Order("captured_at_ms desc").First(&ws).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &ws, err
}

// InsertAccountSnapshot records a periodic account-state capture.
func (s *Store) InsertAccountSnapshot(as *types.AccountSnapshot) error {
	return s.db.Create(as).Error
}

// --- Bar-close dedup guard -----------------------------------------------

// ClaimBarClose records that a (symbol, timeframe, close_time_ms) bar was emitted;
// returns false if it had already been claimed (gap-refill double-emit guard, §4.11).
func (s *Store) ClaimBarClose(symbol string, timeframe types.Timeframe, closeTimeMs int64) (bool, error) {
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&types.BarClosePublishGuard{
		Symbol:      symbol,
		Timeframe:   string(timeframe),
		CloseTimeMs: closeTimeMs,
	})
	return res.RowsAffected > 0, res.Error
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
