package translate

import "math"

// DefaultMaxTokens applies when the caller sets no completion budget.
const DefaultMaxTokens = math.MaxInt32

// Accountant tracks completion tokens during a streamed turn. The backend
// gives no token counts, so each emitted event is charged as one token.
type Accountant struct {
	max  int
	used int
}

func NewAccountant(max int) *Accountant {
	if max <= 0 {
		max = DefaultMaxTokens
	}
	return &Accountant{max: max}
}

func (a *Accountant) Charge()         { a.used++ }
func (a *Accountant) Used() int       { return a.used }
func (a *Accountant) Max() int        { return a.max }
func (a *Accountant) Exhausted() bool { return a.used >= a.max }
