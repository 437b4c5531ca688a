package snowflake

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// fakeClock returns a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestNewValidatesNode(t *testing.T) {
	_, err := New(DefaultEpoch, MaxNode+1)
	require.ErrorIs(t, err, ErrInvalidNode)

	_, err = New(DefaultEpoch, -1)
	require.ErrorIs(t, err, ErrInvalidNode)

	g, err := New(DefaultEpoch, MaxNode)
	require.NoError(t, err)
	assert.Equal(t, int64(MaxNode), g.Node())
}

func TestNewRejectsFutureEpoch(t *testing.T) {
	_, err := New(time.Now().Add(time.Hour), 1)
	require.ErrorIs(t, err, ErrEpochInFuture)
}

func TestNextIDLayout(t *testing.T) {
	clock := &fakeClock{now: DefaultEpoch.Add(1500 * time.Millisecond)}
	g, err := New(DefaultEpoch, 7, WithClock(clock.Now))
	require.NoError(t, err)

	first, err := g.NextID()
	require.NoError(t, err)
	second, err := g.NextID()
	require.NoError(t, err)

	assert.Equal(t, int64(1500), first.Timestamp())
	assert.Equal(t, int64(7), first.Node())
	assert.Equal(t, int64(0), first.Sequence())
	assert.Equal(t, int64(1), second.Sequence())
	assert.Greater(t, second, first)
	assert.True(t, first.Time(DefaultEpoch).Equal(DefaultEpoch.Add(1500*time.Millisecond)))

	clock.Set(clock.Now().Add(time.Millisecond))
	third, err := g.NextID()
	require.NoError(t, err)
	assert.Equal(t, int64(1501), third.Timestamp())
	assert.Equal(t, int64(0), third.Sequence())
}

func TestNextIDClockRegression(t *testing.T) {
	clock := &fakeClock{now: DefaultEpoch.Add(time.Second)}
	g, err := New(DefaultEpoch, 1, WithClock(clock.Now))
	require.NoError(t, err)

	last, err := g.NextID()
	require.NoError(t, err)

	clock.Set(DefaultEpoch.Add(990 * time.Millisecond))
	_, err = g.NextID()
	require.ErrorIs(t, err, ErrClockMovedBackwards)

	var regression *ClockRegressionError
	require.True(t, errors.As(err, &regression))
	assert.Equal(t, 10*time.Millisecond, regression.RetryAfter())

	// State must be untouched: once the clock catches up we continue the sequence
	clock.Set(DefaultEpoch.Add(time.Second))
	next, err := g.NextID()
	require.NoError(t, err)
	assert.Equal(t, last.Timestamp(), next.Timestamp())
	assert.Equal(t, int64(1), next.Sequence())
}

func TestNextIDContextGivesUpOnCancel(t *testing.T) {
	clock := &fakeClock{now: DefaultEpoch.Add(time.Hour)}
	g, err := New(DefaultEpoch, 1, WithClock(clock.Now))
	require.NoError(t, err)
	_, err = g.NextID()
	require.NoError(t, err)

	clock.Set(DefaultEpoch)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = g.NextIDContext(ctx)
	require.ErrorIs(t, err, ErrClockMovedBackwards)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNextIDSequenceOverflowWaits(t *testing.T) {
	// Every 4100 reads of the clock advance it by one millisecond, so the
	// generator has to spin past the 4096-id limit.
	var reads atomic.Int64
	base := DefaultEpoch.Add(time.Minute)
	clock := func() time.Time {
		n := reads.Add(1)
		return base.Add(time.Duration(n/4100) * time.Millisecond)
	}
	g, err := New(DefaultEpoch, 3, WithClock(clock))
	require.NoError(t, err)

	seen := make(map[ID]struct{})
	var prev ID
	for i := 0; i < 3*(MaxSequence+1); i++ {
		id, err := g.NextID()
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestNextIDConcurrentUnique(t *testing.T) {
	g, err := New(DefaultEpoch, 1)
	require.NoError(t, err)

	const workers = 16
	const perWorker = 2000

	results := make(chan ID, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := g.NextID()
				if err != nil {
					t.Errorf("NextID: %v", err)
					return
				}
				results <- id
			}
		}()
	}
	wg.Wait()
	close(results)

	var ids []ID
	for id := range results {
		ids = append(ids, id)
	}
	assertDistinctAndDense(t, ids)
}

// TestNextIDRapid checks distinctness and dense per-millisecond sequences
// for arbitrary numbers of concurrent callers.
func TestNextIDRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		callers := rapid.IntRange(1, 8).Draw(t, "callers")
		calls := rapid.IntRange(1, 300).Draw(t, "calls")
		node := rapid.Int64Range(0, MaxNode).Draw(t, "node")

		g, err := New(DefaultEpoch, node)
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		var mu sync.Mutex
		var ids []ID
		var firstErr error
		var wg sync.WaitGroup
		for c := 0; c < callers; c++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < calls; i++ {
					id, err := g.NextID()
					mu.Lock()
					if err != nil {
						if firstErr == nil {
							firstErr = err
						}
						mu.Unlock()
						return
					}
					ids = append(ids, id)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if firstErr != nil {
			t.Fatalf("NextID: %v", firstErr)
		}

		seen := make(map[ID]struct{}, len(ids))
		byMs := make(map[int64][]int64)
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				t.Fatalf("duplicate id %s", id)
			}
			seen[id] = struct{}{}
			if id.Node() != node {
				t.Fatalf("id %s has node %d, want %d", id, id.Node(), node)
			}
			byMs[id.Timestamp()] = append(byMs[id.Timestamp()], id.Sequence())
		}
		for ms, seqs := range byMs {
			present := make(map[int64]bool, len(seqs))
			for _, s := range seqs {
				present[s] = true
			}
			for s := int64(0); s < int64(len(seqs)); s++ {
				if !present[s] {
					t.Fatalf("ms %d: sequence %d missing from %v", ms, s, seqs)
				}
			}
		}
	})
}

func assertDistinctAndDense(t *testing.T, ids []ID) {
	t.Helper()
	seen := make(map[ID]struct{}, len(ids))
	byMs := make(map[int64]map[int64]bool)
	for _, id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
		if byMs[id.Timestamp()] == nil {
			byMs[id.Timestamp()] = make(map[int64]bool)
		}
		byMs[id.Timestamp()][id.Sequence()] = true
	}
	for ms, seqs := range byMs {
		for s := int64(0); s < int64(len(seqs)); s++ {
			require.True(t, seqs[s], "ms %d: sequence %d missing", ms, s)
		}
	}
}

func TestIDText(t *testing.T) {
	id := ID(1234567890123456789)
	assert.Equal(t, "1234567890123456789", id.String())

	parsed, err := Parse("1234567890123456789")
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = Parse("12abc")
	assert.Error(t, err)
	_, err = Parse("-5")
	assert.Error(t, err)
}

func TestIDJSONIsString(t *testing.T) {
	type wrapper struct {
		ID     ID  `json:"id"`
		Before *ID `json:"before"`
	}

	data, err := json.Marshal(wrapper{ID: 9007199254740993})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"9007199254740993","before":null}`, string(data))

	var back wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"id":"9007199254740993","before":"12"}`), &back))
	assert.Equal(t, ID(9007199254740993), back.ID)
	require.NotNil(t, back.Before)
	assert.Equal(t, ID(12), *back.Before)

	// Numbers are rejected so precision can't be lost silently
	assert.Error(t, json.Unmarshal([]byte(`{"id":12}`), &back))
}

func TestDecompose(t *testing.T) {
	clock := &fakeClock{now: DefaultEpoch.Add(42 * time.Millisecond)}
	g, err := New(DefaultEpoch, 9, WithClock(clock.Now))
	require.NoError(t, err)
	id, err := g.NextID()
	require.NoError(t, err)

	parts := id.Decompose(DefaultEpoch)
	assert.Equal(t, id, parts.ID)
	assert.Equal(t, int64(42), parts.Timestamp)
	assert.Equal(t, int64(9), parts.Node)
	assert.Equal(t, int64(0), parts.Sequence)
}
