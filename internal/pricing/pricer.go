// Package pricing converts storage quota levels to monetary cost.
package pricing

import (
	"errors"
	"fmt"

	"github.com/Peergos/payments/internal/units"
)

// ErrUnknownTier is returned by a fixed pricer for a quota level that has
// no configured price.
var ErrUnknownTier = errors.New("pricing: no price configured for quota level")

// Pricer prices quota levels. Cost returns the full price of a level;
// PriceDelta returns the incremental price of moving from one level to a
// more expensive one.
type Pricer interface {
	Cost(bytes units.ByteCount) (units.CentAmount, error)
	PriceDelta(from, to units.ByteCount) (units.CentAmount, error)
}

// LinearPricer charges proportionally to the number of bytes.
type LinearPricer struct {
	bytesPerCent units.ByteCount
}

func NewLinearPricer(bytesPerCent units.ByteCount) *LinearPricer {
	return &LinearPricer{bytesPerCent: bytesPerCent}
}

func (p *LinearPricer) Cost(bytes units.ByteCount) (units.CentAmount, error) {
	return units.CentAmount(bytes.Div(p.bytesPerCent.Int64()).Int64()), nil
}

func (p *LinearPricer) PriceDelta(from, to units.ByteCount) (units.CentAmount, error) {
	fromCost, _ := p.Cost(from)
	toCost, _ := p.Cost(to)
	return toCost.Sub(fromCost)
}

// FixedPricer charges a configured price per discrete quota level.
type FixedPricer struct {
	priceByLevel map[units.ByteCount]units.CentAmount
}

func NewFixedPricer(priceByLevel map[units.ByteCount]units.CentAmount) *FixedPricer {
	table := make(map[units.ByteCount]units.CentAmount, len(priceByLevel))
	for level, price := range priceByLevel {
		table[level] = price
	}
	return &FixedPricer{priceByLevel: table}
}

func (p *FixedPricer) Cost(bytes units.ByteCount) (units.CentAmount, error) {
	price, ok := p.priceByLevel[bytes]
	if !ok {
		return 0, fmt.Errorf("%w: %d bytes", ErrUnknownTier, bytes.Int64())
	}
	return price, nil
}

func (p *FixedPricer) PriceDelta(from, to units.ByteCount) (units.CentAmount, error) {
	fromCost, err := p.Cost(from)
	if err != nil {
		return 0, err
	}
	toCost, err := p.Cost(to)
	if err != nil {
		return 0, err
	}
	return toCost.Sub(fromCost)
}

// Levels returns the configured quota levels, for validation at startup.
func (p *FixedPricer) Levels() []units.ByteCount {
	levels := make([]units.ByteCount, 0, len(p.priceByLevel))
	for level := range p.priceByLevel {
		levels = append(levels, level)
	}
	return levels
}
