// Package snowflake generates 63-bit time-ordered identifiers.
//
// Layout (most significant first):
//
//	[ 43 bits ms since epoch | 8 bits node | 12 bits sequence ]
package snowflake

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	TimestampBits = 43
	NodeBits      = 8
	SequenceBits  = 12

	MaxNode     = 1<<NodeBits - 1
	MaxSequence = 1<<SequenceBits - 1

	nodeShift      = SequenceBits
	timestampShift = SequenceBits + NodeBits
	maxTimestamp   = 1<<TimestampBits - 1
)

// DefaultEpoch is the epoch used when none is configured (2022-04-22T22:42:22Z).
var DefaultEpoch = time.Unix(1650667342, 0).UTC()

var (
	ErrInvalidNode         = errors.New("snowflake: node id out of range")
	ErrEpochInFuture       = errors.New("snowflake: epoch is in the future")
	ErrClockMovedBackwards = errors.New("snowflake: clock moved backwards")
	ErrTimestampOverflow   = errors.New("snowflake: timestamp exceeds 43 bits")
)

// ClockRegressionError is returned by NextID when the wall clock reads
// earlier than the last issued timestamp. It matches ErrClockMovedBackwards.
type ClockRegressionError struct {
	Behind time.Duration
}

func (e *ClockRegressionError) Error() string {
	return fmt.Sprintf("snowflake: clock moved backwards by %s", e.Behind)
}

func (e *ClockRegressionError) Is(target error) bool {
	return target == ErrClockMovedBackwards
}

// RetryAfter reports how long a caller should wait before calling NextID again.
func (e *ClockRegressionError) RetryAfter() time.Duration {
	return e.Behind
}

// Clock returns the current time. Tests swap it to simulate regressions.
type Clock func() time.Time

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(g *Generator) {
		g.now = c
	}
}

// Generator hands out unique IDs for a single node slot.
// It is safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	epoch    time.Time
	epochMs  int64
	node     int64
	now      Clock
	lastMs   int64
	sequence int64
}

// New creates a generator for the given epoch and node id.
func New(epoch time.Time, node int64, opts ...Option) (*Generator, error) {
	if node < 0 || node > MaxNode {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrInvalidNode, node, MaxNode)
	}

	g := &Generator{
		epoch:   epoch,
		epochMs: epoch.UnixMilli(),
		node:    node,
		now:     time.Now,
		lastMs:  -1,
	}
	for _, opt := range opts {
		opt(g)
	}

	if epoch.After(g.now()) {
		return nil, ErrEpochInFuture
	}

	return g, nil
}

// Node returns the configured node id.
func (g *Generator) Node() int64 {
	return g.node
}

// Epoch returns the configured epoch.
func (g *Generator) Epoch() time.Time {
	return g.epoch
}

// NextID returns the next identifier. When the 12-bit sequence is exhausted
// within one millisecond it waits for the clock to advance. If the clock
// went backwards it returns a *ClockRegressionError and leaves state untouched.
func (g *Generator) NextID() (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.elapsed()
	if ms < g.lastMs {
		return 0, &ClockRegressionError{Behind: time.Duration(g.lastMs-ms) * time.Millisecond}
	}

	if ms == g.lastMs {
		g.sequence = (g.sequence + 1) & MaxSequence
		if g.sequence == 0 {
			// Sequence exhausted, wait for the next millisecond
			for ms <= g.lastMs {
				time.Sleep(100 * time.Microsecond)
				ms = g.elapsed()
			}
		}
	} else {
		g.sequence = 0
	}

	if ms > maxTimestamp {
		return 0, ErrTimestampOverflow
	}

	g.lastMs = ms
	return ID(ms<<timestampShift | g.node<<nodeShift | g.sequence), nil
}

// NextIDContext is NextID with retries on clock regression, sleeping for the
// reported delay until ctx is done.
func (g *Generator) NextIDContext(ctx context.Context) (ID, error) {
	for {
		id, err := g.NextID()
		var regression *ClockRegressionError
		if !errors.As(err, &regression) {
			return id, err
		}

		timer := time.NewTimer(regression.RetryAfter())
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, fmt.Errorf("%w: %w", err, ctx.Err())
		case <-timer.C:
		}
	}
}

func (g *Generator) elapsed() int64 {
	return g.now().UnixMilli() - g.epochMs
}

// ID is a snowflake identifier. It travels as a decimal string on the wire.
type ID int64

// Parse parses the decimal form of an ID.
func Parse(s string) (ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("snowflake: invalid id %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("snowflake: invalid id %q: negative", s)
	}
	return ID(n), nil
}

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Int64 returns the raw value, for storage.
func (id ID) Int64() int64 {
	return int64(id)
}

// Timestamp returns the milliseconds since the generator epoch.
func (id ID) Timestamp() int64 {
	return int64(id) >> timestampShift
}

// Node returns the node tag.
func (id ID) Node() int64 {
	return (int64(id) >> nodeShift) & MaxNode
}

// Sequence returns the per-millisecond sequence number.
func (id ID) Sequence() int64 {
	return int64(id) & MaxSequence
}

// Time returns the wall-clock time the ID was minted, given its epoch.
func (id ID) Time(epoch time.Time) time.Time {
	return epoch.Add(time.Duration(id.Timestamp()) * time.Millisecond)
}

// Parts is the decomposed form of an ID, used by the debug endpoint and CLI.
type Parts struct {
	ID        ID        `json:"id"`
	Timestamp int64     `json:"timestamp"`
	Node      int64     `json:"node"`
	Sequence  int64     `json:"sequence"`
	Time      time.Time `json:"time"`
}

// Decompose splits the ID into its fields.
func (id ID) Decompose(epoch time.Time) Parts {
	return Parts{
		ID:        id,
		Timestamp: id.Timestamp(),
		Node:      id.Node(),
		Sequence:  id.Sequence(),
		Time:      id.Time(epoch).UTC(),
	}
}

// MarshalText encodes the ID as a decimal string, which makes encoding/json
// emit it quoted.
func (id ID) MarshalText() ([]byte, error) {
	return strconv.AppendInt(nil, int64(id), 10), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
