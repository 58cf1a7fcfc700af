package allocation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/packet-service/internal/domain"
)

// maxRand always draws the top of the range, which exercises the clamp.
type maxRand struct{}

func (maxRand) Int64N(n int64) int64 { return n - 1 }

func TestEqualShare_EvenSplit(t *testing.T) {
	remaining, count := int64(100), 4
	var shares []int64
	for count > 0 {
		amount, err := EqualShare(remaining, count)
		require.NoError(t, err)
		shares = append(shares, amount)
		remaining -= amount
		count--
	}
	assert.Equal(t, []int64{25, 25, 25, 25}, shares)
	assert.Zero(t, remaining)
}

func TestEqualShare_NonDivisibleGivesRemainderToLast(t *testing.T) {
	remaining, count := int64(10), 3
	var shares []int64
	for count > 0 {
		amount, err := EqualShare(remaining, count)
		require.NoError(t, err)
		shares = append(shares, amount)
		remaining -= amount
		count--
	}
	assert.Equal(t, []int64{3, 3, 4}, shares)
	assert.Zero(t, remaining)
}

func TestRandomShare_FloorCaseForcesOneUnit(t *testing.T) {
	remaining, count := int64(5), 5
	for count > 0 {
		amount, err := RandomShare(remaining, count, maxRand{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), amount, "remaining=%d count=%d", remaining, count)
		remaining -= amount
		count--
	}
	assert.Zero(t, remaining)
}

func TestRandomShare_ClampKeepsOneUnitPerOpenSlot(t *testing.T) {
	amount, err := RandomShare(10, 4, maxRand{})
	require.NoError(t, err)
	// avg=2, draw=4, clamp=10-3=7
	assert.Equal(t, int64(4), amount)

	amount, err = RandomShare(7, 3, maxRand{})
	require.NoError(t, err)
	// avg=2, draw=4, clamp=7-2=5
	assert.Equal(t, int64(4), amount)

	amount, err = RandomShare(3, 2, maxRand{})
	require.NoError(t, err)
	// avg=1, draw=2, clamp=3-1=2
	assert.Equal(t, int64(2), amount)
}

func TestRandomShare_PropertyBoundsAndExactness(t *testing.T) {
	r := NewSeededRand(42, 7)
	for trial := 0; trial < 500; trial++ {
		total := int64(50 + trial*37)
		count := 1 + trial%25
		remaining := total
		var sum int64
		for open := count; open > 0; open-- {
			before := remaining
			amount, err := RandomShare(remaining, open, r)
			require.NoError(t, err)
			if open == 1 {
				require.Equal(t, before, amount, "final draw must take the remainder")
			} else {
				require.GreaterOrEqual(t, amount, int64(1))
				require.LessOrEqual(t, amount, before-int64(open-1))
			}
			remaining -= amount
			sum += amount
		}
		require.Zero(t, remaining)
		require.Equal(t, total, sum)
	}
}

func TestExclusiveShare_ReturnsWholePool(t *testing.T) {
	amount, err := ExclusiveShare(123)
	require.NoError(t, err)
	assert.Equal(t, int64(123), amount)

	_, err = ExclusiveShare(0)
	assert.ErrorIs(t, err, ErrInvalidPool)
}

func TestShare_RejectsInvalidPools(t *testing.T) {
	_, err := Share(domain.ModeEqual, 10, 0, maxRand{})
	assert.ErrorIs(t, err, ErrInvalidPool)

	_, err = Share(domain.ModeRandom, 2, 3, maxRand{})
	assert.ErrorIs(t, err, ErrInvalidPool)

	_, err = Share(domain.ModeExclusive, 10, 2, maxRand{})
	assert.ErrorIs(t, err, ErrInvalidPool)

	_, err = Share(domain.PacketMode("split"), 10, 2, maxRand{})
	assert.Error(t, err)
}

func TestShare_DispatchesByMode(t *testing.T) {
	amount, err := Share(domain.ModeEqual, 10, 3, maxRand{})
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(3), amount)

	amount, err = Share(domain.ModeExclusive, 99, 1, maxRand{})
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(99), amount)
}
