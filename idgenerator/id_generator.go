// Package idgenerator hands out increasing uint32 identifiers.
package idgenerator

import "sync/atomic"

// IdGenerator generates monotonically increasing uint32 IDs and is safe for
// concurrent use. The counter wraps after math.MaxUint32.
type IdGenerator struct {
	id atomic.Uint32
}

// NewIdGenerator creates a generator whose first Id() is startValue+1, so a
// start of 0 keeps 0 free to mean "no ID".
//
// Parameters:
//   - startValue: The value the counter starts from
//
// Returns:
//   - A new IdGenerator
func NewIdGenerator(startValue uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next ID.
func (g *IdGenerator) Id() uint32 {
	return g.id.Add(1)
}

