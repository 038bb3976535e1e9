package flowgraph

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionRecord is the immutable input unit of the engine. Once accepted
// it is never mutated, only aggregated into edge state.
type TransactionRecord struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	Timestamp   time.Time       `json:"timestamp"`
	Memo        string          `json:"memo,omitempty"`
	Category    string          `json:"category,omitempty"`
}

// Validate checks the record's shape. Failures wrap ErrInvalidRecord.
func (r TransactionRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: missing record id", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.Source) == "" {
		return fmt.Errorf("%w: missing source entity id", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.Destination) == "" {
		return fmt.Errorf("%w: missing destination entity id", ErrInvalidRecord)
	}
	if r.Source == r.Destination {
		return fmt.Errorf("%w: source and destination are the same entity", ErrInvalidRecord)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidRecord, r.Amount)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidRecord)
	}
	return nil
}

// EdgeKey returns the aggregation key for the record's ordered entity pair.
func (r TransactionRecord) EdgeKey() string {
	return EdgeKey(r.Source, r.Destination)
}

// EdgeKey builds the composite key for an ordered (source, destination) pair.
func EdgeKey(source, destination string) string {
	return source + ":" + destination
}
