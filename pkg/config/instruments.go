package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Instrument holds per-underlying overrides for offsets and sizing.
// Zero fields fall back to the global defaults.
type Instrument struct {
	Underlying   string  `yaml:"underlying"`
	TargetOffset float64 `yaml:"target_offset"`
	StopOffset   float64 `yaml:"stop_offset"`
	TickSize     float64 `yaml:"tick_size"`
	Quantity     int     `yaml:"quantity"`
}

type instrumentsFile struct {
	Instruments []Instrument `yaml:"instruments"`
}

// LoadInstruments reads per-underlying overrides from a YAML file.
func LoadInstruments(path string) ([]Instrument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file instrumentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return file.Instruments, nil
}

// Offsets resolves the effective offsets for a symbol: the first instrument
// whose underlying prefixes the symbol wins, otherwise the globals apply.
func (c *Config) Offsets(symbol string, instruments []Instrument) (target, stop, tick float64, qty int) {
	target, stop, tick, qty = c.TargetOffset, c.StopOffset, c.TickSize, c.Quantity
	for _, in := range instruments {
		if in.Underlying != "" && strings.HasPrefix(symbol, strings.ToUpper(in.Underlying)) {
			if in.TargetOffset > 0 {
				target = in.TargetOffset
			}
			if in.StopOffset > 0 {
				stop = in.StopOffset
			}
			if in.TickSize > 0 {
				tick = in.TickSize
			}
			if in.Quantity > 0 {
				qty = in.Quantity
			}
			return
		}
	}
	return
}
