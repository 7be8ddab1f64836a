// Package reporter renders periodic status tables to the console. It is
// a plain broadcast consumer: the engine never waits on it.
package reporter

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/smohantty/hyperliquid-trading-bot/internal/broadcast"
)

const defaultInterval = 30 * time.Second

// Reporter prints the latest strategy summary on a fixed cadence.
type Reporter struct {
	broadcaster *broadcast.Broadcaster
	interval    time.Duration
}

// New builds a console reporter over the broadcaster.
func New(b *broadcast.Broadcaster) *Reporter {
	return &Reporter{broadcaster: b, interval: defaultInterval}
}

// Run blocks rendering summaries until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if last := r.broadcaster.LastSummary(); last != nil {
				render(last.Data)
			}
		}
	}
}

func render(data any) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)

	switch s := data.(type) {
	case broadcast.SpotGridSummary:
		t.SetTitle(fmt.Sprintf("Spot Grid %s [%s]", s.Symbol, s.State))
		t.AppendRows([]table.Row{
			{"Price", fmt.Sprintf("%.6g", s.Price)},
			{"Range", fmt.Sprintf("%.6g - %.6g (%d zones, %s)", s.RangeLow, s.RangeHigh, s.GridCount, s.GridSpacingPct)},
			{"Inventory", fmt.Sprintf("%.6g @ %.6g", s.InventorySize, s.AvgEntryPrice)},
			{"Balances", fmt.Sprintf("base %.6g / quote %.2f", s.BaseBalance, s.QuoteBalance)},
			{"Realized PnL", fmt.Sprintf("%.4f", s.RealizedPnL)},
			{"Unrealized PnL", fmt.Sprintf("%.4f", s.UnrealizedPnL)},
			{"Fees", fmt.Sprintf("%.4f", s.TotalFees)},
			{"Roundtrips", s.Roundtrips},
			{"Uptime", s.Uptime},
		})
	case broadcast.PerpGridSummary:
		t.SetTitle(fmt.Sprintf("Perp Grid %s [%s] %s %dx", s.Symbol, s.State, s.GridBias, s.Leverage))
		t.AppendRows([]table.Row{
			{"Price", fmt.Sprintf("%.6g", s.Price)},
			{"Range", fmt.Sprintf("%.6g - %.6g (%d zones, %s)", s.RangeLow, s.RangeHigh, s.GridCount, s.GridSpacingPct)},
			{"Position", fmt.Sprintf("%s %.6g @ %.6g", s.PositionSide, s.PositionSize, s.AvgEntryPrice)},
			{"Margin", fmt.Sprintf("%.2f USDC", s.MarginBalance)},
			{"Realized PnL", fmt.Sprintf("%.4f", s.RealizedPnL)},
			{"Unrealized PnL", fmt.Sprintf("%.4f", s.UnrealizedPnL)},
			{"Fees", fmt.Sprintf("%.4f", s.TotalFees)},
			{"Roundtrips", s.Roundtrips},
			{"Uptime", s.Uptime},
		})
	default:
		return
	}

	t.Render()
}
