/**
 * @description
 * This package computes claim amounts. Every function here is pure given its
 * random source: no storage, no shared state, integer minor units only.
 *
 * @notes
 * - A draw served on the final open slot always returns the whole remainder,
 *   so no dust is ever stranded in a packet.
 * - The random policy clamps every non-final draw so at least one unit stays
 *   available for each slot still open.
 */
package allocation

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/transfa/packet-service/internal/domain"
)

// ErrInvalidPool is returned when the pool cannot serve another claim.
var ErrInvalidPool = errors.New("invalid pool state for allocation")

// Rand draws uniform integers in [0, n).
type Rand interface {
	Int64N(n int64) int64
}

// LockedRand is a goroutine-safe Rand.
type LockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRand returns a PCG generator seeded once for the process from
// crypto/rand.
func NewRand() *LockedRand {
	var seed [16]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic(fmt.Sprintf("allocation: failed to seed random source: %v", err))
	}
	return NewSeededRand(binary.LittleEndian.Uint64(seed[:8]), binary.LittleEndian.Uint64(seed[8:]))
}

// NewSeededRand returns a deterministic generator for tests and replays.
func NewSeededRand(seed1, seed2 uint64) *LockedRand {
	return &LockedRand{rng: rand.New(rand.NewPCG(seed1, seed2))}
}

// Int64N implements Rand.
func (r *LockedRand) Int64N(n int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Int64N(n)
}

func checkPool(remaining int64, remainingCount int) error {
	if remainingCount <= 0 {
		return fmt.Errorf("%w: no open slots", ErrInvalidPool)
	}
	if remaining < int64(remainingCount) {
		return fmt.Errorf("%w: remaining %d cannot give %d slots one unit each", ErrInvalidPool, remaining, remainingCount)
	}
	return nil
}

// EqualShare is floor(remaining / remainingCount). On the final slot this is
// the whole remainder.
func EqualShare(remaining int64, remainingCount int) (int64, error) {
	if err := checkPool(remaining, remainingCount); err != nil {
		return 0, err
	}
	return remaining / int64(remainingCount), nil
}

// RandomShare is the double-average draw: uniform in [1, 2*avg], clamped to
// remaining-(remainingCount-1). The final slot takes the remainder.
func RandomShare(remaining int64, remainingCount int, r Rand) (int64, error) {
	if err := checkPool(remaining, remainingCount); err != nil {
		return 0, err
	}
	if remainingCount == 1 {
		return remaining, nil
	}

	avg := remaining / int64(remainingCount)
	amount := int64(1)
	if upper := 2 * avg; upper > 1 {
		amount = 1 + r.Int64N(upper)
	}

	maxAllowed := remaining - int64(remainingCount-1)
	if amount > maxAllowed {
		amount = maxAllowed
	}
	return amount, nil
}

// ExclusiveShare returns the whole pool.
func ExclusiveShare(remaining int64) (int64, error) {
	if remaining <= 0 {
		return 0, fmt.Errorf("%w: empty pool", ErrInvalidPool)
	}
	return remaining, nil
}

// Share dispatches on the packet mode.
func Share(mode domain.PacketMode, remaining domain.Amount, remainingCount int, r Rand) (domain.Amount, error) {
	var (
		amount int64
		err    error
	)
	switch mode {
	case domain.ModeEqual:
		amount, err = EqualShare(int64(remaining), remainingCount)
	case domain.ModeRandom:
		amount, err = RandomShare(int64(remaining), remainingCount, r)
	case domain.ModeExclusive:
		if remainingCount != 1 {
			return 0, fmt.Errorf("%w: exclusive packet with %d open slots", ErrInvalidPool, remainingCount)
		}
		amount, err = ExclusiveShare(int64(remaining))
	default:
		return 0, fmt.Errorf("unknown packet mode %q", mode)
	}
	if err != nil {
		return 0, err
	}
	return domain.Amount(amount), nil
}
