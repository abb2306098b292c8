package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/web3guy0/fusionbot/types"
)

// ============ PAPER ACCOUNT OPERATIONS ============

// EnsurePaperAccount creates the account with balance if it does not exist
func (d *Database) EnsurePaperAccount(ctx context.Context, id string, balance decimal.Decimal) (PaperAccount, error) {
	acct := PaperAccount{ID: id}
	err := d.db.WithContext(ctx).
		Where(PaperAccount{ID: id}).
		Attrs(PaperAccount{Balance: balance}).
		FirstOrCreate(&acct).Error
	if err != nil {
		return PaperAccount{}, fmt.Errorf("paper account %s: %w", id, err)
	}
	log.Info().
		Str("account", id).
		Str("balance", acct.Balance.StringFixed(2)).
		Msg("📄 Paper account ready")
	return acct, nil
}

// PaperHoldings lists the simulated positions of an account
func (d *Database) PaperHoldings(ctx context.Context, accountID string) ([]PaperHolding, error) {
	var rows []PaperHolding
	err := d.db.WithContext(ctx).Where("account_id = ?", accountID).Find(&rows).Error
	return rows, err
}

// PaperTrade runs fn against the locked account and holding, then writes the
// account, the holding and the returned trade record in one transaction.
// fn may return a REJECTED record without touching the balances.
func (d *Database) PaperTrade(
	ctx context.Context,
	accountID, instrument string,
	fn func(acct *PaperAccount, holding *PaperHolding) types.TradeRecord,
) (types.TradeRecord, error) {
	var rec types.TradeRecord

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() == "postgres" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var acct PaperAccount
		if err := q.First(&acct, "id = ?", accountID).Error; err != nil {
			return fmt.Errorf("load paper account %s: %w", accountID, err)
		}

		holding := PaperHolding{AccountID: accountID, Instrument: instrument}
		err := q.First(&holding, "account_id = ? AND instrument = ?", accountID, instrument).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load paper holding: %w", err)
		}

		rec = fn(&acct, &holding)

		if rec.Status == types.StatusFilled {
			if err := tx.Save(&acct).Error; err != nil {
				return err
			}
			if holding.Quantity.IsPositive() {
				if err := tx.Save(&holding).Error; err != nil {
					return err
				}
			} else if err := tx.Delete(&PaperHolding{}, "account_id = ? AND instrument = ?", accountID, instrument).Error; err != nil {
				return err
			}
		}

		_, err = saveTradeRecord(tx, rec)
		return err
	})
	if err != nil {
		return types.TradeRecord{}, err
	}
	return rec, nil
}
