package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
)

// SlotModulus bounds slot ids to eight decimal digits
const SlotModulus = 100_000_000

// SlotID derives the ledger slot of a claim identity
func SlotID(identity string) uint64 {
	return uint64(crc32.ChecksumIEEE([]byte(identity))) % SlotModulus
}

// Candidate returns the identity tried at the given allocation attempt
func Candidate(base string, attempt int) string {
	if attempt == 0 {
		return base
	}
	return base + "-retry-" + strconv.Itoa(attempt)
}

// RecordReader reads ledger records
type RecordReader interface {
	GetRecord(ctx context.Context, slot uint64) (Record, error)
}

// Slot is the outcome of slot allocation
type Slot struct {
	ID        uint64
	Candidate string
	Attempt   int
	// Active is true when the slot already holds a SUBMITTED record for this
	// claim, so only the assessment update is needed.
	Active bool
}

// FindAvailableSlot walks base, base-retry-1 … base-retry-maxRetries and
// returns the first slot that is empty or still SUBMITTED. Slots holding a
// terminal record are skipped. It only reads, so repeated calls against the
// same ledger state return the same slot.
func FindAvailableSlot(ctx context.Context, r RecordReader, base string, maxRetries int) (Slot, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		candidate := Candidate(base, attempt)
		id := SlotID(candidate)

		rec, err := r.GetRecord(ctx, id)
		if err != nil {
			kind := KindConnectivity
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				kind = KindTimeout
			}
			return Slot{}, fail(kind, "slot", fmt.Errorf("query slot %d: %w", id, err))
		}

		if !rec.Exists() {
			return Slot{ID: id, Candidate: candidate, Attempt: attempt}, nil
		}
		if !rec.Status.Terminal() {
			return Slot{ID: id, Candidate: candidate, Attempt: attempt, Active: true}, nil
		}
	}

	return Slot{}, fail(KindAllocation, "slot",
		fmt.Errorf("no free or active slot for %q after %d candidates", base, maxRetries+1))
}
