package database

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/web3guy0/fusionbot/types"
)

// ============ PORTFOLIO OPERATIONS ============

// LoadPortfolio returns the persisted state and open reservations
func (d *Database) LoadPortfolio(ctx context.Context, accountID string) (types.PortfolioState, []types.Reservation, bool, error) {
	db := d.db.WithContext(ctx)

	var p Portfolio
	err := db.First(&p, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.PortfolioState{}, nil, false, nil
	}
	if err != nil {
		return types.PortfolioState{}, nil, false, err
	}

	var holdings []PortfolioHolding
	if err := db.Where("account_id = ?", accountID).Find(&holdings).Error; err != nil {
		return types.PortfolioState{}, nil, false, err
	}
	var reservations []PortfolioReservation
	if err := db.Where("account_id = ?", accountID).Order("created_at").Find(&reservations).Error; err != nil {
		return types.PortfolioState{}, nil, false, err
	}

	state := types.PortfolioState{
		AccountID: p.AccountID,
		Cash:      p.Cash,
		Holdings:  make(map[string]types.Holding, len(holdings)),
		DailyPnL:  p.DailyPnL,
		PnLDay:    p.PnLDay,
		UpdatedAt: p.UpdatedAt,
	}
	for _, h := range holdings {
		state.Holdings[h.Instrument] = types.Holding{Quantity: h.Quantity, AvgPrice: h.AvgPrice}
	}

	out := make([]types.Reservation, len(reservations))
	for i, r := range reservations {
		out[i] = types.Reservation{
			OrderID:    r.OrderID,
			AccountID:  r.AccountID,
			Instrument: r.Instrument,
			Direction:  types.Direction(r.Direction),
			Quantity:   r.Quantity,
			Price:      r.Price,
			CostBasis:  r.CostBasis,
			CreatedAt:  r.CreatedAt,
		}
	}
	return state, out, true, nil
}

// SavePortfolio replaces the account's state and reservations in one transaction
func (d *Database) SavePortfolio(ctx context.Context, state types.PortfolioState, reservations []types.Reservation) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p := Portfolio{
			AccountID: state.AccountID,
			Cash:      state.Cash,
			DailyPnL:  state.DailyPnL,
			PnLDay:    state.PnLDay,
			UpdatedAt: state.UpdatedAt,
		}
		if err := tx.Save(&p).Error; err != nil {
			return err
		}

		if err := tx.Where("account_id = ?", state.AccountID).Delete(&PortfolioHolding{}).Error; err != nil {
			return err
		}
		if len(state.Holdings) > 0 {
			rows := make([]PortfolioHolding, 0, len(state.Holdings))
			for inst, h := range state.Holdings {
				rows = append(rows, PortfolioHolding{
					AccountID:  state.AccountID,
					Instrument: inst,
					Quantity:   h.Quantity,
					AvgPrice:   h.AvgPrice,
				})
			}
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}

		if err := tx.Where("account_id = ?", state.AccountID).Delete(&PortfolioReservation{}).Error; err != nil {
			return err
		}
		if len(reservations) > 0 {
			rows := make([]PortfolioReservation, len(reservations))
			for i, r := range reservations {
				rows[i] = PortfolioReservation{
					OrderID:    r.OrderID,
					AccountID:  state.AccountID,
					Instrument: r.Instrument,
					Direction:  string(r.Direction),
					Quantity:   r.Quantity,
					Price:      r.Price,
					CostBasis:  r.CostBasis,
					CreatedAt:  r.CreatedAt,
				}
			}
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
