package core

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/fusionbot/bus"
	"github.com/web3guy0/fusionbot/internal/bot"
	"github.com/web3guy0/fusionbot/internal/metrics"
	"github.com/web3guy0/fusionbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// OUTCOME PUBLISHER - trade records and alerts to history, stats and chat
// ═══════════════════════════════════════════════════════════════════════════════
//
// A record is counted once: the first delivery flips published_at, every
// redelivery after that is acknowledged without side effects. Notification
// failures are logged and counted, never returned.
//
// ═══════════════════════════════════════════════════════════════════════════════

const notifyTimeout = 10 * time.Second

// RecordStore is the trade history and alert log
type RecordStore interface {
	SaveTradeRecord(ctx context.Context, rec types.TradeRecord) (bool, error)
	MarkPublished(ctx context.Context, id string) (bool, error)
	SaveRiskAlert(ctx context.Context, alert types.RiskAlert) (bool, error)
}

// Notifier delivers pre-formatted text keyed by report kind
type Notifier interface {
	Notify(ctx context.Context, kind, text string) error
}

// PortfolioReader returns the current portfolio for the cash gauges
type PortfolioReader interface {
	Snapshot(ctx context.Context) (types.PortfolioState, error)
}

// Publisher fans outcomes out. notifier and portfolio may be nil.
type Publisher struct {
	store     RecordStore
	notifier  Notifier
	portfolio PortfolioReader
}

// NewPublisher creates the outcome publisher
func NewPublisher(store RecordStore, notifier Notifier, portfolio PortfolioReader) *Publisher {
	return &Publisher{
		store:     store,
		notifier:  notifier,
		portfolio: portfolio,
	}
}

// HandleTradeRecord persists and distributes one trade record
func (p *Publisher) HandleTradeRecord(ctx context.Context, msg bus.Message) error {
	rec, err := bus.Decode[types.TradeRecord](msg)
	if err != nil {
		return err
	}

	if _, err := p.store.SaveTradeRecord(ctx, rec); err != nil {
		return err
	}
	first, err := p.store.MarkPublished(ctx, rec.ID)
	if err != nil {
		return err
	}
	if !first {
		log.Debug().Str("record", rec.ID).Msg("♻️ Trade record already published")
		return nil
	}

	mode := "live"
	if rec.Simulated {
		mode = "paper"
	}
	metrics.TradeRecords.WithLabelValues(string(rec.Status), mode).Inc()
	p.refreshGauges(ctx)

	p.notify(ctx, bot.KindTradeReport, bot.FormatTradeReport(rec))
	return nil
}

// HandleRiskAlert stores an alert and notifies on its first delivery
func (p *Publisher) HandleRiskAlert(ctx context.Context, msg bus.Message) error {
	alert, err := bus.Decode[types.RiskAlert](msg)
	if err != nil {
		return err
	}
	first, err := p.store.SaveRiskAlert(ctx, alert)
	if err != nil {
		return err
	}
	if !first {
		log.Debug().Str("alert", alert.ID).Msg("♻️ Risk alert already published")
		return nil
	}
	p.notify(ctx, bot.KindRiskAlert, bot.FormatRiskAlert(alert))
	return nil
}

// HandleOptimizationAlert forwards a tuning change to the chat
func (p *Publisher) HandleOptimizationAlert(ctx context.Context, msg bus.Message) error {
	alert, err := bus.Decode[types.OptimizationAlert](msg)
	if err != nil {
		return err
	}
	log.Info().
		Str("version", alert.Current.Version).
		Float64("buy", alert.Current.BuyThreshold).
		Float64("sell", alert.Current.SellThreshold).
		Float64("risk_per_trade", alert.Current.RiskPerTrade).
		Msg("🧠 Strategy parameters changed")
	p.notify(ctx, bot.KindOptimization, bot.FormatOptimizationAlert(alert))
	return nil
}

func (p *Publisher) notify(ctx context.Context, kind, text string) {
	if p.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := p.notifier.Notify(nctx, kind, text); err != nil {
		metrics.NotificationFailures.WithLabelValues(kind).Inc()
		log.Warn().Err(err).Str("kind", kind).Msg("⚠️ Notification failed")
	}
}

func (p *Publisher) refreshGauges(ctx context.Context) {
	if p.portfolio == nil {
		return
	}
	st, err := p.portfolio.Snapshot(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("portfolio snapshot unavailable")
		return
	}
	metrics.PortfolioCash.Set(st.Cash.InexactFloat64())
	metrics.DailyPnL.Set(st.DailyPnL.InexactFloat64())
}
