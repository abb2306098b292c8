package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/web3guy0/fusionbot/types"
)

// ============ DEAD LETTER OPERATIONS ============

// SaveDeadLetter stores a message that exhausted its redeliveries
func (d *Database) SaveDeadLetter(ctx context.Context, dl types.DeadLetter) error {
	row := DeadLetter{
		Topic:     dl.Topic,
		Consumer:  dl.Group,
		MessageID: dl.MessageID,
		MsgKey:    dl.Key,
		Payload:   string(dl.Payload),
		Attempts:  dl.Attempts,
		LastError: dl.LastError,
		FailedAt:  dl.FailedAt,
	}
	return d.db.WithContext(ctx).Create(&row).Error
}

// RecentDeadLetters returns the latest dead letters, newest first
func (d *Database) RecentDeadLetters(ctx context.Context, limit int) ([]types.DeadLetter, error) {
	var rows []DeadLetter
	if err := d.db.WithContext(ctx).Order("failed_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.DeadLetter, len(rows))
	for i, r := range rows {
		out[i] = types.DeadLetter{
			Topic:     r.Topic,
			Group:     r.Consumer,
			MessageID: r.MessageID,
			Key:       r.MsgKey,
			Payload:   []byte(r.Payload),
			Attempts:  r.Attempts,
			LastError: r.LastError,
			FailedAt:  r.FailedAt,
		}
	}
	return out, nil
}

// ============ RISK ALERT OPERATIONS ============

// SaveRiskAlert stores an alert once per id
func (d *Database) SaveRiskAlert(ctx context.Context, alert types.RiskAlert) (bool, error) {
	checks, err := json.Marshal(alert.Checks)
	if err != nil {
		return false, err
	}
	row := RiskAlert{
		ID:         alert.ID,
		Type:       alert.Type,
		IntentID:   alert.IntentID,
		Instrument: alert.Instrument,
		Direction:  string(alert.Direction),
		Reason:     alert.Reason,
		Checks:     string(checks),
		CreatedAt:  alert.Timestamp,
	}
	res := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("save risk alert %s: %w", alert.ID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ============ STRATEGY CONFIG OPERATIONS ============

// SaveStrategyConfig stores a parameter version
func (d *Database) SaveStrategyConfig(ctx context.Context, p types.StrategyParams) error {
	row := StrategyConfig{
		Version:       p.Version,
		BuyThreshold:  p.BuyThreshold,
		SellThreshold: p.SellThreshold,
		RiskPerTrade:  p.RiskPerTrade,
		CreatedAt:     p.UpdatedAt,
	}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// LatestStrategyConfig returns the newest parameter version
func (d *Database) LatestStrategyConfig(ctx context.Context) (types.StrategyParams, bool, error) {
	var row StrategyConfig
	err := d.db.WithContext(ctx).Order("created_at DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.StrategyParams{}, false, nil
	}
	if err != nil {
		return types.StrategyParams{}, false, err
	}
	return types.StrategyParams{
		Version:       row.Version,
		BuyThreshold:  row.BuyThreshold,
		SellThreshold: row.SellThreshold,
		RiskPerTrade:  row.RiskPerTrade,
		UpdatedAt:     row.CreatedAt,
	}, true, nil
}
