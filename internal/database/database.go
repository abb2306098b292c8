package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/fusionbot/types"
)

type Database struct {
	db *gorm.DB
}

// Models

// TradeRecord is the append-only trade log
type TradeRecord struct {
	ID              string          `gorm:"primaryKey"`
	OrderID         string          `gorm:"uniqueIndex"`
	Instrument      string          `gorm:"index"`
	Direction       string          // BUY or SELL
	RequestedQty    decimal.Decimal `gorm:"type:decimal(30,10)"`
	ExecutedQty     decimal.Decimal `gorm:"type:decimal(30,10)"`
	ExecutedPrice   decimal.Decimal `gorm:"type:decimal(30,10)"`
	Status          string          `gorm:"index"` // FILLED, REJECTED, FAILED
	ErrorDetail     string
	ExchangeOrderID string
	RealizedPnL     decimal.Decimal `gorm:"column:realized_pnl;type:decimal(20,8)"`
	UnrealizedPnL   decimal.Decimal `gorm:"column:unrealized_pnl;type:decimal(20,8)"`
	StopLoss        decimal.Decimal `gorm:"type:decimal(30,10)"`
	TakeProfit      decimal.Decimal `gorm:"type:decimal(30,10)"`
	Simulated       bool
	ExecutedAt      time.Time `gorm:"index"`
	PublishedAt     *time.Time
	CreatedAt       time.Time
}

// OrderSubmission claims an order id before it reaches a backend
type OrderSubmission struct {
	OrderID   string `gorm:"primaryKey"`
	Backend   string
	CreatedAt time.Time
}

// Portfolio is the persisted PortfolioState header
type Portfolio struct {
	AccountID string          `gorm:"primaryKey"`
	Cash      decimal.Decimal `gorm:"type:decimal(20,8)"`
	DailyPnL  decimal.Decimal `gorm:"column:daily_pnl;type:decimal(20,8)"`
	PnLDay    string          `gorm:"column:pnl_day"`
	UpdatedAt time.Time
}

type PortfolioHolding struct {
	AccountID  string          `gorm:"primaryKey"`
	Instrument string          `gorm:"primaryKey"`
	Quantity   decimal.Decimal `gorm:"type:decimal(30,10)"`
	AvgPrice   decimal.Decimal `gorm:"type:decimal(30,10)"`
}

type PortfolioReservation struct {
	OrderID    string `gorm:"primaryKey"`
	AccountID  string `gorm:"index"`
	Instrument string
	Direction  string
	Quantity   decimal.Decimal `gorm:"type:decimal(30,10)"`
	Price      decimal.Decimal `gorm:"type:decimal(30,10)"`
	CostBasis  decimal.Decimal `gorm:"type:decimal(30,10)"`
	CreatedAt  time.Time
}

// PaperAccount is the simulated exchange balance
type PaperAccount struct {
	ID        string          `gorm:"primaryKey"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,8)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type PaperHolding struct {
	AccountID  string          `gorm:"primaryKey"`
	Instrument string          `gorm:"primaryKey"`
	Quantity   decimal.Decimal `gorm:"type:decimal(30,10)"`
	AvgPrice   decimal.Decimal `gorm:"type:decimal(30,10)"`
	UpdatedAt  time.Time
}

type DeadLetter struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Topic     string `gorm:"index"`
	Consumer  string
	MessageID string `gorm:"index"`
	MsgKey    string
	Payload   string `gorm:"type:text"`
	Attempts  int
	LastError string
	FailedAt  time.Time
}

type RiskAlert struct {
	ID         string `gorm:"primaryKey"`
	Type       string `gorm:"index"`
	IntentID   string
	Instrument string `gorm:"index"`
	Direction  string
	Reason     string
	Checks     string `gorm:"type:text"` // JSON
	CreatedAt  time.Time
}

// StrategyConfig is one version of the tunable parameters
type StrategyConfig struct {
	Version       string `gorm:"primaryKey"`
	BuyThreshold  float64
	SellThreshold float64
	RiskPerTrade  float64
	CreatedAt     time.Time `gorm:"index"`
}

func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	// Check if this is a PostgreSQL connection string
	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		// SQLite fallback
		if !inMemory(dbPath) {
			if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		// sqlite has a single writer; one connection also keeps :memory: alive
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		log.Info().Str("path", dbPath).Msg("Database initialized (SQLite)")
	}

	// Auto migrate all models
	if err := db.AutoMigrate(
		&TradeRecord{}, &OrderSubmission{},
		&Portfolio{}, &PortfolioHolding{}, &PortfolioReservation{},
		&PaperAccount{}, &PaperHolding{},
		&DeadLetter{}, &RiskAlert{}, &StrategyConfig{},
	); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

func inMemory(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file:")
}

// Close releases the connection pool
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks connectivity
func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ============ TRADE RECORD OPERATIONS ============

// SaveTradeRecord inserts rec unless its id already exists
func (d *Database) SaveTradeRecord(ctx context.Context, rec types.TradeRecord) (bool, error) {
	return saveTradeRecord(d.db.WithContext(ctx), rec)
}

func saveTradeRecord(tx *gorm.DB, rec types.TradeRecord) (bool, error) {
	row := fromTradeRecord(rec)
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("save trade record %s: %w", rec.ID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// TradeRecordByOrder returns the record produced for orderID
func (d *Database) TradeRecordByOrder(ctx context.Context, orderID string) (types.TradeRecord, bool, error) {
	var row TradeRecord
	err := d.db.WithContext(ctx).First(&row, "order_id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.TradeRecord{}, false, nil
	}
	if err != nil {
		return types.TradeRecord{}, false, err
	}
	return row.toTypes(), true, nil
}

// MarkPublished flags a record as distributed. Only the first call returns true.
func (d *Database) MarkPublished(ctx context.Context, id string) (bool, error) {
	res := d.db.WithContext(ctx).
		Model(&TradeRecord{}).
		Where("id = ? AND published_at IS NULL", id).
		Update("published_at", time.Now().UTC())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RecentTradeRecords returns the latest records, newest first
func (d *Database) RecentTradeRecords(ctx context.Context, limit int) ([]types.TradeRecord, error) {
	var rows []TradeRecord
	err := d.db.WithContext(ctx).Order("executed_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.TradeRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toTypes()
	}
	return out, nil
}

// Summary aggregates FILLED records executed at or after since (zero = all).
// Win rate and average PnL are taken over closing (SELL) fills.
func (d *Database) Summary(ctx context.Context, since time.Time) (types.Summary, error) {
	var result struct {
		Total    int64
		Wins     int64
		Closed   int64
		TotalPnl decimal.Decimal
	}
	q := d.db.WithContext(ctx).Model(&TradeRecord{}).
		Select(`COUNT(*) as total,
			COALESCE(SUM(CASE WHEN realized_pnl > 0 THEN 1 ELSE 0 END), 0) as wins,
			COALESCE(SUM(CASE WHEN direction = ? THEN 1 ELSE 0 END), 0) as closed,
			COALESCE(SUM(realized_pnl), 0) as total_pnl`, string(types.DirectionSell)).
		Where("status = ?", string(types.StatusFilled))
	if !since.IsZero() {
		q = q.Where("executed_at >= ?", since)
	}
	if err := q.Scan(&result).Error; err != nil {
		return types.Summary{}, err
	}

	s := types.Summary{
		TotalTrades:  result.Total,
		ClosedTrades: result.Closed,
		Wins:         result.Wins,
		TotalPnL:     result.TotalPnl,
	}
	if result.Closed > 0 {
		s.WinRate = float64(result.Wins) / float64(result.Closed)
		s.AvgPnL = result.TotalPnl.Div(decimal.NewFromInt(result.Closed))
	}
	return s, nil
}

// ClaimSubmission records that orderID is about to be sent. Returns false if
// it was claimed before.
func (d *Database) ClaimSubmission(ctx context.Context, orderID, backend string) (bool, error) {
	res := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&OrderSubmission{OrderID: orderID, Backend: backend})
	if res.Error != nil {
		return false, fmt.Errorf("claim order %s: %w", orderID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func fromTradeRecord(r types.TradeRecord) TradeRecord {
	return TradeRecord{
		ID:              r.ID,
		OrderID:         r.OrderID,
		Instrument:      r.Instrument,
		Direction:       string(r.Direction),
		RequestedQty:    r.RequestedQty,
		ExecutedQty:     r.ExecutedQty,
		ExecutedPrice:   r.ExecutedPrice,
		Status:          string(r.Status),
		ErrorDetail:     r.ErrorDetail,
		ExchangeOrderID: r.ExchangeOrderID,
		RealizedPnL:     r.RealizedPnL,
		UnrealizedPnL:   r.UnrealizedPnL,
		StopLoss:        r.StopLoss,
		TakeProfit:      r.TakeProfit,
		Simulated:       r.Simulated,
		ExecutedAt:      r.ExecutedAt,
	}
}

func (r TradeRecord) toTypes() types.TradeRecord {
	return types.TradeRecord{
		ID:              r.ID,
		OrderID:         r.OrderID,
		Instrument:      r.Instrument,
		Direction:       types.Direction(r.Direction),
		RequestedQty:    r.RequestedQty,
		ExecutedQty:     r.ExecutedQty,
		ExecutedPrice:   r.ExecutedPrice,
		Status:          types.TradeStatus(r.Status),
		ErrorDetail:     r.ErrorDetail,
		ExchangeOrderID: r.ExchangeOrderID,
		RealizedPnL:     r.RealizedPnL,
		UnrealizedPnL:   r.UnrealizedPnL,
		StopLoss:        r.StopLoss,
		TakeProfit:      r.TakeProfit,
		Simulated:       r.Simulated,
		ExecutedAt:      r.ExecutedAt,
	}
}
