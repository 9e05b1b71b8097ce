// Package httpapi serves the backtest engine and its stored runs as a JSON
// HTTP API, next to the gRPC service.
package httpapi

import (
	"volharvest/internal/config"
	"volharvest/pkg/volharvest"
)

// BacktestRequest is the body of POST /api/backtest. Its keys match the
// backtest section of the configuration file.
type BacktestRequest struct {
	config.BacktestConfig
	Transactions bool `json:"transactions"`
}

// SweepRequest is the body of POST /api/sweep.
type SweepRequest struct {
	config.BacktestConfig
	Sweep config.SweepConfig `json:"sweep"`
}

// runsQuery holds the query parameters of GET /api/runs.
type runsQuery struct {
	Symbol string `validate:"omitempty,max=16"`
	Limit  int    `default:"50" validate:"gte=1,lte=1000"`
}

// SweepReply is the ranked result of a sweep, best first.
type SweepReply struct {
	Symbol string                `json:"symbol"`
	Rows   []volharvest.SweepRow `json:"rows"`
}

// RunDetail is a stored run with its summary.
type RunDetail struct {
	volharvest.RunRow
	Summary volharvest.Summary `json:"summary"`
}

// Preset is one named algorithm.
type Preset struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

type errorReply struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
