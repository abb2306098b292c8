// Package bot provides Telegram bot functionality
//
// telegram.go - trade reports, risk alerts and tuning alerts pushed to one
// chat, plus a few read-only commands.
package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/fusionbot/types"
)

// Report kinds
const (
	KindTradeReport  = "TRADE_REPORT"
	KindRiskAlert    = "RISK_ALERT"
	KindOptimization = "OPTIMIZATION_ALERT"
)

// sender is the slice of tgbotapi.BotAPI the bot uses
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// StatusSource answers the read-only commands
type StatusSource interface {
	Summary(ctx context.Context, since time.Time) (types.Summary, error)
	RecentTradeRecords(ctx context.Context, limit int) ([]types.TradeRecord, error)
}

// PortfolioSource returns the current portfolio
type PortfolioSource interface {
	Snapshot(ctx context.Context) (types.PortfolioState, error)
}

// Bot handles Telegram interactions for the pipeline
type Bot struct {
	api       *tgbotapi.BotAPI
	out       sender
	chatID    int64
	status    StatusSource
	portfolio PortfolioSource
	stopCh    chan struct{}
}

// New connects to Telegram
func New(token string, chatID int64, status StatusSource, p PortfolioSource) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot connected")

	return &Bot{
		api:       api,
		out:       api,
		chatID:    chatID,
		status:    status,
		portfolio: p,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start begins the bot's command listener
func (b *Bot) Start() {
	go b.listenForCommands()

	if b.chatID != 0 {
		b.sendMarkdown(b.chatID, "🟢 *Fusionbot Online*\n\nSignal fusion pipeline active.\nUse /stats for performance.")
	}
}

// Stop stops the bot
func (b *Bot) Stop() {
	close(b.stopCh)
	if b.api != nil {
		b.api.StopReceivingUpdates()
	}
}

// Notify delivers a formatted report to the configured chat
func (b *Bot) Notify(_ context.Context, kind, text string) error {
	if b.chatID == 0 {
		return nil
	}
	if err := b.sendMarkdown(b.chatID, text); err != nil {
		return fmt.Errorf("telegram %s: %w", kind, err)
	}
	log.Debug().Str("kind", kind).Msg("📨 Notification sent")
	return nil
}

func (b *Bot) listenForCommands() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message != nil && update.Message.IsCommand() {
				go b.handleCommand(update.Message)
			}
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	log.Debug().Int64("chat_id", chatID).Str("command", msg.Command()).Msg("Received command")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch msg.Command() {
	case "start", "help":
		b.sendMarkdown(chatID, helpText)
	case "status":
		b.cmdStatus(ctx, chatID)
	case "stats":
		b.cmdStats(ctx, chatID)
	case "trades":
		b.cmdTrades(ctx, chatID)
	default:
		b.sendText(chatID, "Unknown command. Use /help")
	}
}

const helpText = `📚 *Fusionbot Commands*

/status - Portfolio cash, holdings and daily PnL
/stats - Trade summary (all time and today)
/trades - Last 10 trade records`

func (b *Bot) cmdStatus(ctx context.Context, chatID int64) {
	st, err := b.portfolio.Snapshot(ctx)
	if err != nil {
		b.sendText(chatID, "❌ Portfolio unavailable: "+err.Error())
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "💼 *Portfolio*\n\n*Cash:* $%s\n*Value:* $%s\n*Daily PnL:* $%s\n",
		st.Cash.StringFixed(2), st.Value().StringFixed(2), st.DailyPnL.StringFixed(2))
	for inst, h := range st.Holdings {
		fmt.Fprintf(&sb, "• %s: %s @ %s\n", escapeMarkdown(inst), h.Quantity.String(), h.AvgPrice.StringFixed(2))
	}
	b.sendMarkdown(chatID, sb.String())
}

func (b *Bot) cmdStats(ctx context.Context, chatID int64) {
	all, err := b.status.Summary(ctx, time.Time{})
	if err != nil {
		b.sendText(chatID, "❌ Stats unavailable: "+err.Error())
		return
	}
	today, err := b.status.Summary(ctx, time.Now().UTC().Truncate(24*time.Hour))
	if err != nil {
		b.sendText(chatID, "❌ Stats unavailable: "+err.Error())
		return
	}
	b.sendMarkdown(chatID, "📊 *All time*\n"+FormatSummary(all)+"\n\n📅 *Today*\n"+FormatSummary(today))
}

func (b *Bot) cmdTrades(ctx context.Context, chatID int64) {
	recs, err := b.status.RecentTradeRecords(ctx, 10)
	if err != nil {
		b.sendText(chatID, "❌ History unavailable: "+err.Error())
		return
	}
	if len(recs) == 0 {
		b.sendText(chatID, "No trades yet.")
		return
	}
	var sb strings.Builder
	sb.WriteString("🧾 *Recent trades*\n\n")
	for _, r := range recs {
		fmt.Fprintf(&sb, "%s %s %s %s @ %s\n",
			statusEmoji(r.Status), r.Direction, escapeMarkdown(r.Instrument),
			r.ExecutedQty.String(), r.ExecutedPrice.StringFixed(2))
	}
	b.sendMarkdown(chatID, sb.String())
}

// ═══════════════════════════════════════════════════════════════════════════════
// FORMATTING
// ═══════════════════════════════════════════════════════════════════════════════

// FormatTradeReport renders a TRADE_REPORT
func FormatTradeReport(r types.TradeRecord) string {
	mode := "LIVE"
	if r.Simulated {
		mode = "PAPER"
	}
	text := fmt.Sprintf(`%s *TRADE REPORT* (%s)

*Symbol:* %s
*Action:* %s
*Quantity:* %s
*Status:* %s
*Executed Price:* %s`,
		statusEmoji(r.Status), mode,
		escapeMarkdown(r.Instrument),
		r.Direction,
		r.ExecutedQty.String(),
		r.Status,
		r.ExecutedPrice.String(),
	)
	if !r.RealizedPnL.IsZero() {
		text += fmt.Sprintf("\n*Realized PnL:* $%s", r.RealizedPnL.StringFixed(2))
	}
	if r.ErrorDetail != "" {
		text += "\n*Error:* " + escapeMarkdown(r.ErrorDetail)
	}
	return text
}

// FormatRiskAlert renders a RISK_ALERT
func FormatRiskAlert(a types.RiskAlert) string {
	return fmt.Sprintf(`⚠️ *RISK ALERT*

*Reason:* %s
*Symbol:* %s
*Direction:* %s`,
		escapeMarkdown(a.Reason),
		escapeMarkdown(a.Instrument),
		a.Direction,
	)
}

// FormatOptimizationAlert renders an OPTIMIZATION_ALERT
func FormatOptimizationAlert(a types.OptimizationAlert) string {
	return fmt.Sprintf(`🧠 *OPTIMIZATION ALERT*

*PnL:* $%s
*Win Rate:* %.1f%%
*Buy Threshold:* %.2f → %.2f
*Sell Threshold:* %.2f → %.2f
*Risk Per Trade:* %.4f → %.4f`,
		a.Performance.TotalPnL.StringFixed(2),
		a.Performance.WinRate*100,
		a.Previous.BuyThreshold, a.Current.BuyThreshold,
		a.Previous.SellThreshold, a.Current.SellThreshold,
		a.Previous.RiskPerTrade, a.Current.RiskPerTrade,
	)
}

// FormatSummary renders the aggregate stats block
func FormatSummary(s types.Summary) string {
	return fmt.Sprintf(`*Trades:* %d (closed %d)
*Total PnL:* $%s
*Win Rate:* %.1f%%
*Avg PnL:* $%s`,
		s.TotalTrades, s.ClosedTrades,
		s.TotalPnL.StringFixed(2),
		s.WinRate*100,
		s.AvgPnL.StringFixed(2),
	)
}

// Helpers

func (b *Bot) sendText(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := b.out.Send(msg)
	return err
}

func (b *Bot) sendMarkdown(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true
	_, err := b.out.Send(msg)
	return err
}

func statusEmoji(s types.TradeStatus) string {
	switch s {
	case types.StatusFilled:
		return "✅"
	case types.StatusRejected:
		return "🚫"
	}
	return "❌"
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}
