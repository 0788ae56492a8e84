package pipeline

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LogConsumer is the fallback downstream: one structured line per final
// record. Used when no Redis endpoint is configured.
type LogConsumer struct{}

func (LogConsumer) Name() string { return "log" }

func (LogConsumer) Consume(_ context.Context, rec *FinalRecord) error {
	log.Info().
		Str("symbol", rec.Symbol).
		Str("okx_price", rec.OKX.Price).
		Str("binance_price", rec.Binance.Price).
		Str("funding_rate_diff", rec.FundingRateDiff).
		Str("price_basis_bps", rec.PriceBasisBps).
		Msg("final record")
	return nil
}
