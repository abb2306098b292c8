package portfolio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fusionbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PORTFOLIO ACTOR - Single owner of PortfolioState
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every read-modify-write runs as a closure on one goroutine. A closure that
// returns an error leaves no trace: state and reservations are restored, and
// nothing is persisted.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrStopped is returned once the actor loop has exited
var ErrStopped = errors.New("portfolio actor stopped")

// Store persists the state together with its open reservations, atomically
type Store interface {
	LoadPortfolio(ctx context.Context, accountID string) (types.PortfolioState, []types.Reservation, bool, error)
	SavePortfolio(ctx context.Context, state types.PortfolioState, reservations []types.Reservation) error
}

type command struct {
	ctx   context.Context
	fn    func(*Book) error
	reply chan error
}

// Actor owns one account's PortfolioState
type Actor struct {
	store Store
	cmds  chan command
	done  chan struct{}
	now   func() time.Time

	state        types.PortfolioState
	reservations map[string]types.Reservation
}

// New creates an actor seeded with initialCash. Call Load to restore
// persisted state, then Run.
func New(accountID string, initialCash decimal.Decimal, store Store) *Actor {
	return &Actor{
		store: store,
		cmds:  make(chan command),
		done:  make(chan struct{}),
		now:   time.Now,
		state: types.PortfolioState{
			AccountID: accountID,
			Cash:      initialCash,
			Holdings:  make(map[string]types.Holding),
			UpdatedAt: time.Now().UTC(),
		},
		reservations: make(map[string]types.Reservation),
	}
}

// Load restores persisted state and open reservations. Must run before Run.
func (a *Actor) Load(ctx context.Context) error {
	if a.store == nil {
		log.Info().Msg("📦 No portfolio store - starting from initial cash")
		return nil
	}
	state, reservations, found, err := a.store.LoadPortfolio(ctx, a.state.AccountID)
	if err != nil {
		return fmt.Errorf("load portfolio %s: %w", a.state.AccountID, err)
	}
	if !found {
		log.Info().
			Str("account", a.state.AccountID).
			Str("cash", a.state.Cash.StringFixed(2)).
			Msg("📦 New portfolio")
		return a.store.SavePortfolio(ctx, a.state.Clone(), nil)
	}

	if state.Holdings == nil {
		state.Holdings = make(map[string]types.Holding)
	}
	a.state = state
	for _, r := range reservations {
		a.reservations[r.OrderID] = r
	}

	log.Info().
		Str("account", state.AccountID).
		Str("cash", state.Cash.StringFixed(2)).
		Int("holdings", len(state.Holdings)).
		Int("open_reservations", len(reservations)).
		Msg("📥 Portfolio recovered")
	return nil
}

// Run processes commands until ctx is done
func (a *Actor) Run(ctx context.Context) error {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-a.cmds:
			cmd.reply <- a.apply(cmd)
		}
	}
}

// Do runs fn against the book on the owning goroutine
func (a *Actor) Do(ctx context.Context, fn func(*Book) error) error {
	reply := make(chan error, 1)
	select {
	case a.cmds <- command{ctx: ctx, fn: fn, reply: reply}:
	case <-a.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the current state
func (a *Actor) Snapshot(ctx context.Context) (types.PortfolioState, error) {
	var state types.PortfolioState
	err := a.Do(ctx, func(b *Book) error {
		state = b.State()
		return nil
	})
	return state, err
}

// Reconcile settles the reservation behind rec
func (a *Actor) Reconcile(ctx context.Context, rec types.TradeRecord) (Reconciliation, error) {
	var res Reconciliation
	err := a.Do(ctx, func(b *Book) error {
		res = b.Reconcile(rec)
		return nil
	})
	return res, err
}

func (a *Actor) apply(cmd command) error {
	a.rollDay()

	prevState := a.state.Clone()
	prevRes := make(map[string]types.Reservation, len(a.reservations))
	for k, v := range a.reservations {
		prevRes[k] = v
	}

	book := &Book{actor: a}
	if err := cmd.fn(book); err != nil {
		a.state, a.reservations = prevState, prevRes
		return err
	}
	if !book.dirty {
		return nil
	}

	a.state.UpdatedAt = a.now().UTC()
	if a.store != nil {
		open := make([]types.Reservation, 0, len(a.reservations))
		for _, r := range a.reservations {
			open = append(open, r)
		}
		if err := a.store.SavePortfolio(cmd.ctx, a.state.Clone(), open); err != nil {
			a.state, a.reservations = prevState, prevRes
			return fmt.Errorf("persist portfolio: %w", err)
		}
	}
	return nil
}

// rollDay resets daily PnL on the first command of a new UTC day
func (a *Actor) rollDay() {
	today := a.now().UTC().Format("2006-01-02")
	if a.state.PnLDay == today {
		return
	}
	if a.state.PnLDay != "" {
		log.Info().
			Str("previous_day", a.state.PnLDay).
			Str("daily_pnl", a.state.DailyPnL.StringFixed(2)).
			Msg("📅 Daily PnL reset")
	}
	a.state.DailyPnL = decimal.Zero
	a.state.PnLDay = today
}
