package tile

import (
	"fmt"
	"math"
)

// Timestamp is a generation version, not wall-clock time. Rough results sort
// below every exact result; exact results carry the version of the
// authoritative data they were built from.
type Timestamp int64

const (
	Ungenerated   Timestamp = math.MinInt64
	NotDirty      Timestamp = math.MinInt64
	RoughComplete Timestamp = -1
	Exact         Timestamp = 0
)

// RoughCompleteAt returns the timestamp of a rough tile that is acc
// approximation steps away from full-resolution sampling.
func RoughCompleteAt(acc int32) Timestamp {
	if acc <= 0 {
		return RoughComplete
	}
	return RoughComplete - Timestamp(acc)
}

// Accuracy returns the approximation depth encoded in ts. Accurate
// timestamps report 0; Ungenerated reports math.MaxInt32.
func (ts Timestamp) Accuracy() int32 {
	switch {
	case ts == Ungenerated:
		return math.MaxInt32
	case ts >= RoughComplete:
		return 0
	case RoughComplete-ts > math.MaxInt32:
		return math.MaxInt32
	default:
		return int32(RoughComplete - ts)
	}
}

func (ts Timestamp) String() string {
	switch {
	case ts == Ungenerated:
		return "ungenerated"
	case ts == RoughComplete:
		return "rough"
	case ts < RoughComplete:
		return fmt.Sprintf("rough~%d", ts.Accuracy())
	default:
		return fmt.Sprintf("exact@%d", int64(ts))
	}
}
