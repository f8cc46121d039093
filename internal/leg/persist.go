package leg

import (
	"options-core/pkg/db"
	"options-core/pkg/symbols"
)

// ToDB maps a record onto its snapshot row.
func (r *Record) ToDB() db.Leg {
	return db.Leg{
		Symbol:        r.Symbol,
		OptionType:    string(r.Type),
		Exchange:      r.Exchange,
		Side:          r.Side,
		EntryPrice:    r.EntryPrice,
		RequestedQty:  r.RequestedQty,
		FilledQty:     r.FilledQty,
		EntryOrderID:  r.EntryOrderID,
		TPOrderID:     r.TPOrderID,
		TPLevel:       r.TPLevel,
		TPFilledQty:   r.TPFilledQty,
		SLOrderID:     r.SLOrderID,
		SLLevel:       r.SLLevel,
		SLFilledQty:   r.SLFilledQty,
		HighWaterMark: r.HighWaterMark,
		TrailActive:   r.TrailActive,
		OriginalSL:    r.OriginalSL,
		ExitsArmed:    r.ExitsArmed,
		EnteredAt:     r.EnteredAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// FromDB rebuilds a record from its snapshot row.
func FromDB(l db.Leg) Record {
	return Record{
		Symbol:        l.Symbol,
		Exchange:      l.Exchange,
		Type:          symbols.OptionType(l.OptionType),
		Side:          l.Side,
		EntryPrice:    l.EntryPrice,
		RequestedQty:  l.RequestedQty,
		FilledQty:     l.FilledQty,
		EntryOrderID:  l.EntryOrderID,
		TPOrderID:     l.TPOrderID,
		TPLevel:       l.TPLevel,
		TPFilledQty:   l.TPFilledQty,
		SLOrderID:     l.SLOrderID,
		SLLevel:       l.SLLevel,
		SLFilledQty:   l.SLFilledQty,
		HighWaterMark: l.HighWaterMark,
		TrailActive:   l.TrailActive,
		OriginalSL:    l.OriginalSL,
		ExitsArmed:    l.ExitsArmed,
		EnteredAt:     l.EnteredAt,
		UpdatedAt:     l.UpdatedAt,
	}
}
