package retry

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/lkarlslund/chatbridge/pkg/config"
)

// Selector orders the candidate secrets for one request.
type Selector interface {
	Candidates(valid []string) []string
}

// Pinned always uses the caller's own secret.
type Pinned string

func (p Pinned) Candidates([]string) []string {
	if p == "" {
		return nil
	}
	return []string{string(p)}
}

// RoundRobin starts each request one position further into the pool.
type RoundRobin struct {
	next atomic.Uint64
}

func (r *RoundRobin) Candidates(valid []string) []string {
	if len(valid) == 0 {
		return nil
	}
	start := int((r.next.Add(1) - 1) % uint64(len(valid)))
	out := make([]string, 0, len(valid))
	out = append(out, valid[start:]...)
	return append(out, valid[:start]...)
}

// Random shuffles the pool for every request.
type Random struct{}

func (Random) Candidates(valid []string) []string {
	out := append([]string(nil), valid...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// PoolSelector returns the pool policy named in the credentials config.
func PoolSelector(selection string) Selector {
	if selection == config.SelectionRandom {
		return Random{}
	}
	return &RoundRobin{}
}
