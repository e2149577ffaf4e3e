package services

import (
	"context"

	"binance-sim-trader/internal/binance"
)

// StatusSink receives the flattened live status of the first configured
// strategy, matching the legacy single-strategy status payload.
type StatusSink interface {
	Update(fields map[string]any)
}

// StreamSink receives discrete events and snapshot fragments for the push
// stream.
type StreamSink interface {
	AddEvent(event map[string]any)
	UpdateSnapshot(fields map[string]any)
}

// Alerter fans one alert out to the configured channels. Implementations
// must be safe to call from the trading path; failures are recorded, not
// returned.
type Alerter interface {
	Alert(level, title, message, dedupKey string)
}

// FundingSource provides the latest funding settlement. Satisfied by the
// exchange REST client; tests substitute a stub.
type FundingSource interface {
	LatestFunding(ctx context.Context, symbol string) (*binance.FundingRate, error)
}
