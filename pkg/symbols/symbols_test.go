package symbols

import (
	"math"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		symbol string
		base   string
		strike string
		typ    OptionType
		ok     bool
	}{
		{"NIFTY28OCT2525200CE", "NIFTY28OCT25", "25200", Call, true},
		{"NIFTY28OCT2525200PE", "NIFTY28OCT25", "25200", Put, true},
		{"BANKNIFTY14OCT2548000ce", "BANKNIFTY14OCT25", "48000", Call, true},
		{"RELIANCE", "", "", "", false},
		{"NIFTY25FUT", "", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			opt, err := Parse(tt.symbol)
			if tt.ok && err != nil {
				t.Fatalf("Parse(%q) returned error: %v", tt.symbol, err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatalf("Parse(%q) expected error, got %+v", tt.symbol, opt)
				}
				return
			}
			if opt.Base != tt.base || opt.Strike != tt.strike || opt.Type != tt.typ {
				t.Errorf("Parse(%q) = %+v, want base=%s strike=%s type=%s",
					tt.symbol, opt, tt.base, tt.strike, tt.typ)
			}
		})
	}
}

func TestOppositeAndPair(t *testing.T) {
	opp, err := Opposite("NIFTY28OCT2525200PE")
	if err != nil {
		t.Fatalf("Opposite returned error: %v", err)
	}
	if opp != "NIFTY28OCT2525200CE" {
		t.Errorf("Opposite = %s, want NIFTY28OCT2525200CE", opp)
	}

	pe, ce, err := Pair("NIFTY28OCT2525200CE")
	if err != nil {
		t.Fatalf("Pair returned error: %v", err)
	}
	if pe != "NIFTY28OCT2525200PE" || ce != "NIFTY28OCT2525200CE" {
		t.Errorf("Pair = (%s, %s)", pe, ce)
	}
}

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		price, tick, want float64
	}{
		{155.02, 0.05, 155.00},
		{155.03, 0.05, 155.05},
		{147.00, 0.05, 147.00},
		{157.5, 0.05, 157.5},
		{101.23, 0, 101.23},
	}
	for _, tt := range tests {
		got := RoundToTick(tt.price, tt.tick)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("RoundToTick(%v, %v) = %v, want %v", tt.price, tt.tick, got, tt.want)
		}
	}
}
