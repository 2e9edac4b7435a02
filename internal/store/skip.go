package store

import (
	"time"

	"antrian/queue-service/internal/models"
)

// SkipMode is the skip_handling setting value. It decides what happens to a
// ticket the operator skips: burn it, or put it back in line at a given spot.
type SkipMode string

const (
	SkipDiscard            SkipMode = "discard"
	SkipRequeueBack        SkipMode = "requeue_back"
	SkipRequeueAfterFirst  SkipMode = "requeue_after_first"
	SkipRequeueAfterSecond SkipMode = "requeue_after_second"
)

// requeueStep must stay below the smallest expected gap between two queue
// entries so a repositioned ticket lands between its neighbors, not past them.
const requeueStep = time.Millisecond

func ParseSkipMode(value string) SkipMode {
	mode := SkipMode(value)
	if mode.Valid() {
		return mode
	}
	return SkipDiscard
}

func (m SkipMode) Valid() bool {
	switch m {
	case SkipDiscard, SkipRequeueBack, SkipRequeueAfterFirst, SkipRequeueAfterSecond:
		return true
	default:
		return false
	}
}

// SkipDecision is the mutation to apply to the skipped ticket. A zero QueuedAt
// keeps the ticket's original ordering key.
type SkipDecision struct {
	Status        string
	QueuedAt      time.Time
	ClearCounter  bool
	ClearCalledAt bool
}

// DecideSkip maps a skip request to a ticket mutation. waitingKeys are the
// ordering keys of the tickets currently waiting on the skipped ticket's
// floor, ascending, excluding the skipped ticket itself; only the first two
// are ever consulted. The ordinal modes degrade when the line is shorter than
// the requested position: after-2nd falls back to after-1st with one waiter,
// and both fall back to the back of the line when nobody waits.
func DecideSkip(mode SkipMode, now time.Time, waitingKeys []time.Time) SkipDecision {
	if mode == SkipDiscard {
		return SkipDecision{Status: models.StatusSkipped, ClearCounter: true}
	}

	decision := SkipDecision{
		Status:        models.StatusWaiting,
		ClearCounter:  true,
		ClearCalledAt: true,
	}
	switch mode {
	case SkipRequeueAfterFirst:
		if len(waitingKeys) >= 1 {
			decision.QueuedAt = waitingKeys[0].Add(requeueStep)
			return decision
		}
	case SkipRequeueAfterSecond:
		if len(waitingKeys) >= 2 {
			decision.QueuedAt = waitingKeys[1].Add(requeueStep)
			return decision
		}
		if len(waitingKeys) == 1 {
			decision.QueuedAt = waitingKeys[0].Add(requeueStep)
			return decision
		}
	}
	decision.QueuedAt = now
	return decision
}
