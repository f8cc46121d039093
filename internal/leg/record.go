package leg

import (
	"fmt"
	"time"

	"options-core/pkg/symbols"
)

// Key identifies one tracked leg: a symbol plus its option side.
// At most one Record exists per Key at any time.
type Key struct {
	Symbol string
	Type   symbols.OptionType
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Symbol, k.Type)
}

// KeyFor derives the Key for an option symbol.
func KeyFor(symbol string) (Key, error) {
	opt, err := symbols.Parse(symbol)
	if err != nil {
		return Key{}, err
	}
	return Key{Symbol: opt.Symbol, Type: opt.Type}, nil
}

// Record is the full state of one open leg: the entry fill plus its
// protective order pair and trailing-stop bookkeeping.
type Record struct {
	Symbol   string
	Exchange string
	Type     symbols.OptionType
	Side     string // long-only: always BUY

	EntryPrice   float64
	RequestedQty int
	FilledQty    int
	EntryOrderID string

	TPOrderID   string
	TPLevel     float64
	TPFilledQty int

	SLOrderID   string
	SLLevel     float64
	SLFilledQty int

	HighWaterMark float64
	TrailActive   bool
	OriginalSL    float64

	// ExitsArmed is true only after both TP and SL have been acknowledged.
	// It is the guard against duplicate protective-order placement.
	ExitsArmed bool

	EnteredAt time.Time
	UpdatedAt time.Time
}

// Key returns the registry identity of the record.
func (r *Record) Key() Key {
	return Key{Symbol: r.Symbol, Type: r.Type}
}

// ExitFilledQty is the total quantity already taken out by the pair.
func (r *Record) ExitFilledQty() int {
	return r.TPFilledQty + r.SLFilledQty
}

// UncoveredQty is the held quantity not yet covered by exit fills.
func (r *Record) UncoveredQty() int {
	return r.FilledQty - r.ExitFilledQty()
}

// Validate checks the structural invariants that hold for every live
// record. The tp > entry > sl ordering applies until the trailing ratchet
// activates; after that the stop may legitimately sit above entry and the
// binding constraints are monotonicity (sl never below its original level).
func (r *Record) Validate() error {
	if r.FilledQty < 0 || r.RequestedQty < 0 || r.FilledQty > r.RequestedQty {
		return fmt.Errorf("leg %s: filled %d outside [0, requested %d]", r.Key(), r.FilledQty, r.RequestedQty)
	}
	if r.TPFilledQty < 0 || r.SLFilledQty < 0 || r.ExitFilledQty() > r.FilledQty {
		return fmt.Errorf("leg %s: exit fills %d exceed filled %d", r.Key(), r.ExitFilledQty(), r.FilledQty)
	}
	if !r.TrailActive {
		if !(r.TPLevel > r.EntryPrice && r.EntryPrice > r.SLLevel) {
			return fmt.Errorf("leg %s: want tp %.2f > entry %.2f > sl %.2f", r.Key(), r.TPLevel, r.EntryPrice, r.SLLevel)
		}
	} else if r.SLLevel < r.OriginalSL {
		return fmt.Errorf("leg %s: trailing stop %.2f below original %.2f", r.Key(), r.SLLevel, r.OriginalSL)
	}
	return nil
}
