// Package models defines the core domain entities: trade observations, ranking rows,
// alerts and the dashboard published each cycle.
package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidObservation is wrapped by every validation failure.
var ErrInvalidObservation = errors.New("invalid observation")

// Known trade sides. Sources may emit others; only the long set matters for sentiment.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
	SideYes  = "YES"
	SideNo   = "NO"
)

// Observation is a single trade row seen on the activity table.
// Values are immutable once built; use NewObservation.
type Observation struct {
	Event      string          `json:"event"`
	Market     string          `json:"market"`
	Side       string          `json:"side"`
	Amount     decimal.Decimal `json:"amount"`
	Price      float64         `json:"price"`
	SourceTime string          `json:"source_time"`
	ObservedAt time.Time       `json:"observed_at"`
}

// NewObservation normalizes and validates a trade row.
func NewObservation(event, market, side string, amount decimal.Decimal, price float64, sourceTime string, observedAt time.Time) (Observation, error) {
	o := Observation{
		Event:      strings.TrimSpace(event),
		Market:     strings.TrimSpace(market),
		Side:       strings.ToUpper(strings.TrimSpace(side)),
		Amount:     amount,
		Price:      price,
		SourceTime: strings.TrimSpace(sourceTime),
		ObservedAt: observedAt,
	}
	if err := o.Validate(); err != nil {
		return Observation{}, err
	}
	return o, nil
}

// Validate checks observation field constraints.
func (o Observation) Validate() error {
	if o.Event == "" {
		return fmt.Errorf("%w: event must not be empty", ErrInvalidObservation)
	}
	if o.Market == "" {
		return fmt.Errorf("%w: market must not be empty", ErrInvalidObservation)
	}
	if o.Side == "" {
		return fmt.Errorf("%w: side must not be empty", ErrInvalidObservation)
	}
	if o.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidObservation)
	}
	if math.IsNaN(o.Price) || math.IsInf(o.Price, 0) {
		return fmt.Errorf("%w: price must be a finite number", ErrInvalidObservation)
	}
	if o.ObservedAt.IsZero() {
		return fmt.Errorf("%w: observed_at must be set", ErrInvalidObservation)
	}
	return nil
}

// Key is the deduplication identity. Two rows with the same key are the same trade.
func (o Observation) Key() string {
	return strings.Join([]string{o.Event, o.Market, o.Side, o.Amount.String(), o.SourceTime}, "_")
}

// GroupKey identifies the (event, market, side) ranking group.
func (o Observation) GroupKey() string {
	return GroupKey(o.Event, o.Market, o.Side)
}

// GroupKey joins the ranking group fields. The unit separator keeps
// "a_b"+"c" distinct from "a"+"b_c".
func GroupKey(event, market, side string) string {
	return event + "\x1f" + market + "\x1f" + side
}
