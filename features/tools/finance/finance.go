// Package finance provides the tools of the Finance namespace. Both tools
// are advertised as asynchronous: callers start them as durable jobs and
// poll for the outcome.
package finance

import (
	"context"
	"fmt"
	"math"
	"strings"

	"goa.design/agentloop/runtime/agent/toolerrors"
	"goa.design/agentloop/runtime/agent/tools"
	"goa.design/agentloop/runtime/toolregistry"
)

// Namespace is the conventional namespace name.
const Namespace = "Finance"

type (
	// StockPriceArgs are the stock_price arguments. Ticker is accepted as
	// an alias of Symbol.
	StockPriceArgs struct {
		Symbol string `json:"symbol,omitempty" jsonschema_description:"Ticker symbol, for example AAPL"`
		Ticker string `json:"ticker,omitempty" jsonschema_description:"Alias of symbol"`
	}

	// ROIArgs are the calculate_roi arguments.
	ROIArgs struct {
		Principal float64 `json:"principal" jsonschema_description:"Initial investment"`
		Rate      float64 `json:"rate" jsonschema_description:"Yearly rate of return, for example 0.07"`
		Years     int     `json:"years" jsonschema_description:"Number of years"`
	}
)

// NewToolset returns the Finance toolset.
func NewToolset() (*toolregistry.Toolset, error) {
	ts := toolregistry.NewToolset()
	async := toolregistry.WithMode(tools.ModeAsync)
	if err := toolregistry.Register(ts, "stock_price", "Get the stock price for a ticker symbol.", StockPrice, async); err != nil {
		return nil, err
	}
	if err := toolregistry.Register(ts, "calculate_roi", "Calculate the value of an investment compounded yearly.", CalculateROI, async); err != nil {
		return nil, err
	}
	return ts, nil
}

// StockPrice returns the last close of a symbol.
func StockPrice(_ context.Context, a StockPriceArgs) (string, error) {
	symbol := strings.ToUpper(strings.TrimSpace(a.Symbol))
	if symbol == "" {
		symbol = strings.ToUpper(strings.TrimSpace(a.Ticker))
	}
	if symbol == "" {
		return "", toolerrors.New(toolerrors.CodeInvalidArguments, toolerrors.KindPermanent, "symbol is required")
	}
	return fmt.Sprintf("Stock price for %s: $152.34 (as of market close)", symbol), nil
}

// CalculateROI compounds principal at rate for years.
func CalculateROI(_ context.Context, a ROIArgs) (string, error) {
	if a.Principal <= 0 || a.Years < 0 {
		return "", toolerrors.New(toolerrors.CodeInvalidArguments, toolerrors.KindPermanent,
			"principal must be positive and years must not be negative")
	}
	v := a.Principal * math.Pow(1+a.Rate, float64(a.Years))
	return fmt.Sprintf("ROI calculation: $%.2f after %d years (initial investment: $%.2f)", v, a.Years, a.Principal), nil
}
