package symbols

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// OptionType distinguishes the two tradable sides of a strike.
type OptionType string

const (
	Call OptionType = "CALL"
	Put  OptionType = "PUT"
)

func (t OptionType) String() string { return string(t) }

// Suffix returns the exchange symbol suffix for the option type (CE/PE).
func (t OptionType) Suffix() string {
	if t == Call {
		return "CE"
	}
	return "PE"
}

// Opposite returns the complementary option type.
func (t OptionType) Opposite() OptionType {
	if t == Call {
		return Put
	}
	return Call
}

// Option holds the components of a parsed option symbol.
type Option struct {
	Base   string // underlying + expiry, e.g. NIFTY28OCT25
	Strike string // strike digits as printed, e.g. 25200
	Type   OptionType
	Symbol string // the full symbol as given
}

// Symbols look like <BASE><STRIKE><PE|CE> where strike is 4-6 digits.
var optionPattern = regexp.MustCompile(`^(.+?)(\d{4,6})(PE|CE)$`)

// Parse extracts the components of an option symbol. It returns an error
// for symbols that do not carry a strike and a PE/CE suffix.
func Parse(symbol string) (Option, error) {
	m := optionPattern.FindStringSubmatch(strings.ToUpper(symbol))
	if m == nil {
		return Option{}, fmt.Errorf("symbols: %q is not an option symbol", symbol)
	}
	typ := Put
	if m[3] == "CE" {
		typ = Call
	}
	return Option{Base: m[1], Strike: m[2], Type: typ, Symbol: strings.ToUpper(symbol)}, nil
}

// IsOption reports whether symbol parses as an option symbol.
func IsOption(symbol string) bool {
	_, err := Parse(symbol)
	return err == nil
}

// Opposite returns the complementary symbol for the same strike
// (NIFTY28OCT2525200PE -> NIFTY28OCT2525200CE).
func Opposite(symbol string) (string, error) {
	opt, err := Parse(symbol)
	if err != nil {
		return "", err
	}
	return opt.Base + opt.Strike + opt.Type.Opposite().Suffix(), nil
}

// Pair returns both legs for a strike, PE first then CE, regardless of
// which side was passed in.
func Pair(symbol string) (pe, ce string, err error) {
	opt, err := Parse(symbol)
	if err != nil {
		return "", "", err
	}
	base := opt.Base + opt.Strike
	return base + "PE", base + "CE", nil
}

// RoundToTick snaps a price to the nearest multiple of the tick size.
// A non-positive tick leaves the price untouched.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}
