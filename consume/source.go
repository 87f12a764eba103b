package consume

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
)

// Record is one message read from the broker.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

func (r *Record) String() string {
	return fmt.Sprintf("%s/%d@%d", r.Topic, r.Partition, r.Offset)
}

// Source delivers records and stores consumed positions.
type Source interface {
	// Poll returns the records available within timeout; none is not an error.
	Poll(ctx context.Context, timeout time.Duration) ([]*Record, error)
	// Commit stores the position after r.
	Commit(ctx context.Context, r *Record) error
	Close() error
}

// OffsetPolicy selects where a partition without a usable position starts.
type OffsetPolicy int

const (
	// OffsetResume continues after the last committed offset, or from the
	// beginning when nothing was committed yet.
	OffsetResume OffsetPolicy = iota
	// OffsetBeginning starts at the oldest retained record.
	OffsetBeginning
	// OffsetEnd starts after the newest record.
	OffsetEnd
	// OffsetExplicit starts at a given offset.
	OffsetExplicit
)

func (p OffsetPolicy) String() string {
	switch p {
	case OffsetResume:
		return "resume"
	case OffsetBeginning:
		return "beginning"
	case OffsetEnd:
		return "end"
	case OffsetExplicit:
		return "explicit"
	default:
		return fmt.Sprintf("OffsetPolicy(%d)", int(p))
	}
}

// StartOffset is an offset policy plus the offset used by OffsetExplicit.
type StartOffset struct {
	Policy OffsetPolicy
	Offset int64
}

// ExplicitOffset starts every partition at offset.
func ExplicitOffset(offset int64) StartOffset {
	return StartOffset{Policy: OffsetExplicit, Offset: offset}
}

// ParseStartOffset parses "resume", "beginning", "end" or a non-negative
// offset.
func ParseStartOffset(s string) (StartOffset, error) {
	switch s {
	case "", "resume":
		return StartOffset{Policy: OffsetResume}, nil
	case "beginning":
		return StartOffset{Policy: OffsetBeginning}, nil
	case "end":
		return StartOffset{Policy: OffsetEnd}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return StartOffset{}, fmt.Errorf("%w: start offset %q", ErrInvalidConfig, s)
	}
	return ExplicitOffset(n), nil
}

// resolveOffset maps a policy and the committed position (negative when
// none) to the offset a partition consumer starts at.
func resolveOffset(start StartOffset, committed int64) int64 {
	switch start.Policy {
	case OffsetBeginning:
		return sarama.OffsetOldest
	case OffsetEnd:
		return sarama.OffsetNewest
	case OffsetExplicit:
		return start.Offset
	default:
		if committed >= 0 {
			return committed
		}
		return sarama.OffsetOldest
	}
}
