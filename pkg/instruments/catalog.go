// Package instruments loads the broker instrument catalog used for
// validation and lot sizing.
package instruments

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var ErrUnknownSymbol = errors.New("unsupported instrument")

// Instrument describes the broker contract terms for one symbol.
type Instrument struct {
	Symbol      string  `yaml:"symbol"`
	PipSize     float64 `yaml:"pip_size"`      // price units per pip (0.0001 for EURUSD)
	PipValue    float64 `yaml:"pip_value"`     // account currency per pip per 1.0 lot
	MinLot      float64 `yaml:"min_lot"`
	MaxLot      float64 `yaml:"max_lot"`
	LotStep     float64 `yaml:"lot_step"`
	MaxSpread   float64 `yaml:"max_spread"`    // pips
	Digits      int     `yaml:"digits"`
}

// Catalog is the set of tradable instruments, keyed by symbol.
type Catalog struct {
	mu      sync.RWMutex
	symbols map[string]Instrument
}

type catalogFile struct {
	Instruments []Instrument `yaml:"instruments"`
}

// Load reads the catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instrument file: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse instrument file: %w", err)
	}
	if len(file.Instruments) == 0 {
		return nil, errors.New("instrument file contains no instruments")
	}

	c := &Catalog{symbols: make(map[string]Instrument, len(file.Instruments))}
	for _, in := range file.Instruments {
		if in.Symbol == "" || in.PipSize <= 0 || in.PipValue <= 0 {
			return nil, fmt.Errorf("instrument %q: pip_size and pip_value must be positive", in.Symbol)
		}
		if in.LotStep <= 0 {
			in.LotStep = 0.01
		}
		if in.MinLot <= 0 {
			in.MinLot = in.LotStep
		}
		if in.MaxLot <= 0 {
			in.MaxLot = 100
		}
		c.symbols[strings.ToUpper(in.Symbol)] = in
	}
	return c, nil
}

// Get returns the instrument for a symbol, or ErrUnknownSymbol.
func (c *Catalog) Get(symbol string) (Instrument, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	in, ok := c.symbols[strings.ToUpper(symbol)]
	if !ok {
		return Instrument{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return in, nil
}

// Symbols returns the catalog's symbols.
func (c *Catalog) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	return out
}
