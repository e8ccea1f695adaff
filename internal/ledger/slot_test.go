package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapReader struct {
	records map[uint64]Record
	err     error
	calls   int
}

func (m *mapReader) GetRecord(ctx context.Context, slot uint64) (Record, error) {
	m.calls++
	if m.err != nil {
		return Record{}, m.err
	}
	return m.records[slot], nil
}

func TestSlotID(t *testing.T) {
	assert.Equal(t, uint64(90756798), SlotID("c-1"))
	assert.Equal(t, uint64(70499418), SlotID("c-1-retry-1"))
	assert.Equal(t, SlotID("c-1"), SlotID("c-1"))
	assert.Less(t, SlotID("any claim id at all"), uint64(SlotModulus))
}

func TestCandidate(t *testing.T) {
	assert.Equal(t, "c-1", Candidate("c-1", 0))
	assert.Equal(t, "c-1-retry-3", Candidate("c-1", 3))
}

func TestFindAvailableSlot(t *testing.T) {
	ctx := context.Background()
	base := SlotID("c-1")

	t.Run("free", func(t *testing.T) {
		s, err := FindAvailableSlot(ctx, &mapReader{}, "c-1", 5)
		require.NoError(t, err)
		assert.Equal(t, Slot{ID: base, Candidate: "c-1"}, s)
	})

	t.Run("active reused", func(t *testing.T) {
		r := &mapReader{records: map[uint64]Record{base: {ID: base, Status: StatusSubmitted}}}
		s, err := FindAvailableSlot(ctx, r, "c-1", 5)
		require.NoError(t, err)
		assert.True(t, s.Active)
		assert.Equal(t, base, s.ID)
	})

	t.Run("terminal skipped", func(t *testing.T) {
		r := &mapReader{records: map[uint64]Record{
			base:                   {ID: base, Status: StatusApproved},
			SlotID("c-1-retry-1"): {ID: SlotID("c-1-retry-1"), Status: StatusRejected},
		}}
		s, err := FindAvailableSlot(ctx, r, "c-1", 5)
		require.NoError(t, err)
		assert.Equal(t, "c-1-retry-2", s.Candidate)
		assert.Equal(t, SlotID("c-1-retry-2"), s.ID)
		assert.NotEqual(t, base, s.ID)
		assert.False(t, s.Active)
	})

	t.Run("deterministic", func(t *testing.T) {
		r := &mapReader{records: map[uint64]Record{base: {ID: base, Status: StatusUnderReview}}}
		a, err := FindAvailableSlot(ctx, r, "c-1", 5)
		require.NoError(t, err)
		b, err := FindAvailableSlot(ctx, r, "c-1", 5)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("exhausted", func(t *testing.T) {
		r := &mapReader{records: map[uint64]Record{}}
		for i := 0; i <= 5; i++ {
			id := SlotID(Candidate("c-1", i))
			r.records[id] = Record{ID: id, Status: StatusApproved}
		}
		_, err := FindAvailableSlot(ctx, r, "c-1", 5)
		assert.Equal(t, KindAllocation, KindOf(err))
		assert.Equal(t, 6, r.calls, "base plus five suffixed candidates")
	})

	t.Run("query failure", func(t *testing.T) {
		_, err := FindAvailableSlot(ctx, &mapReader{err: errors.New("connection reset")}, "c-1", 5)
		assert.Equal(t, KindConnectivity, KindOf(err))
	})
}
