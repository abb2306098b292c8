package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/web3guy0/fusionbot/internal/database"
	"github.com/web3guy0/fusionbot/types"
)

func main() {
	_ = godotenv.Load()

	defaultPath := os.Getenv("DATABASE_PATH")
	if defaultPath == "" {
		defaultPath = "data/fusionbot.db"
	}
	dbPath := flag.String("db", defaultPath, "database path or postgres:// DSN")
	limit := flag.Int("n", 25, "number of recent trade records")
	days := flag.Int("days", 0, "summary window in days (0 = all time)")
	dead := flag.Bool("dead", false, "also list dead letters")
	flag.Parse()

	db, err := database.New(*dbPath)
	if err != nil {
		fmt.Println("Error opening database:", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	records, err := db.RecentTradeRecords(ctx, *limit)
	if err != nil {
		fmt.Println("Error fetching trades:", err)
		os.Exit(1)
	}

	fmt.Printf("📊 TRADE HISTORY - Last %d records\n\n", len(records))
	fmt.Println("═══════════════════════════════════════════════════════════════════════════════════")
	fmt.Println("│ TIME             │ SYMBOL    │ SIDE │ QTY          │ PRICE        │ STATUS   │ PnL      │ MODE")
	fmt.Println("═══════════════════════════════════════════════════════════════════════════════════")
	for _, r := range records {
		mode := "LIVE"
		if r.Simulated {
			mode = "PAPER"
		}
		fmt.Printf("│ %-16s │ %-9s │ %-4s │ %12s │ %12s │ %-8s │ %+8.2f │ %s\n",
			r.ExecutedAt.Format("2006-01-02 15:04"),
			r.Instrument,
			r.Direction,
			r.ExecutedQty.String(),
			r.ExecutedPrice.StringFixed(4),
			r.Status,
			r.RealizedPnL.InexactFloat64(),
			mode,
		)
		if r.ErrorDetail != "" {
			fmt.Printf("│   ↳ %s\n", r.ErrorDetail)
		}
	}
	fmt.Println("═══════════════════════════════════════════════════════════════════════════════════")

	var since time.Time
	label := "all time"
	if *days > 0 {
		since = time.Now().UTC().AddDate(0, 0, -*days)
		label = fmt.Sprintf("last %d days", *days)
	}
	summary, err := db.Summary(ctx, since)
	if err != nil {
		fmt.Println("Error computing summary:", err)
		os.Exit(1)
	}
	printSummary(label, summary)

	if *dead {
		letters, err := db.RecentDeadLetters(ctx, *limit)
		if err != nil {
			fmt.Println("Error fetching dead letters:", err)
			os.Exit(1)
		}
		fmt.Printf("\n☠️ DEAD LETTERS (%d):\n", len(letters))
		for _, dl := range letters {
			fmt.Printf("   %s  %s/%s  id=%s attempts=%d  %s\n",
				dl.FailedAt.Format("2006-01-02 15:04:05"), dl.Topic, dl.Group, dl.MessageID, dl.Attempts, dl.LastError)
		}
	}
}

func printSummary(label string, s types.Summary) {
	fmt.Printf("\n📈 SUMMARY (%s):\n", label)
	fmt.Printf("   Trades: %d | Closed: %d | Wins: %d | Win Rate: %.1f%%\n",
		s.TotalTrades, s.ClosedTrades, s.Wins, s.WinRate*100)
	fmt.Printf("   Total P&L: $%s | Avg P&L: $%s\n", s.TotalPnL.StringFixed(2), s.AvgPnL.StringFixed(2))
}
