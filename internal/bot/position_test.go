package bot

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveCommitRelease(t *testing.T) {
	tr := NewPositionTracker(5, "a", "b")

	res, err := tr.Reserve("a", "t1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.OpenReservations())
	assert.Equal(t, 0.0, tr.Net("a"), "reserve does not move position")

	snap := tr.Snapshot()
	assert.Equal(t, 1.0, snap.Venues["a"].ReservedLong)
	assert.Equal(t, 1, snap.OpenReserve)

	require.NoError(t, tr.Commit(res.ID, 0.4))
	assert.Equal(t, 0.4, tr.Net("a"))
	rem, err := tr.Remaining(res.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.6, rem)

	freed, err := tr.Release(res.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.6, freed)
	assert.Equal(t, 0, tr.OpenReservations())
	assert.Equal(t, 0.4, tr.Net("a"))

	snap = tr.Snapshot()
	assert.Equal(t, 0.0, snap.Venues["a"].ReservedLong)
	assert.Equal(t, 1, snap.Venues["a"].RealizedCount)
	assert.Equal(t, 0.4, snap.Aggregate)
}

func TestCommitClosesFullReservation(t *testing.T) {
	tr := NewPositionTracker(5, "a", "b")
	res, err := tr.Reserve("b", "t1", -1)
	require.NoError(t, err)

	require.NoError(t, tr.Commit(res.ID, -0.5))
	require.NoError(t, tr.Commit(res.ID, -0.5))
	assert.Equal(t, -1.0, tr.Net("b"))
	assert.Equal(t, 0, tr.OpenReservations())

	err = tr.Commit(res.ID, -0.1)
	assert.ErrorIs(t, err, ErrReservationClosed)
	_, err = tr.Release(res.ID)
	assert.ErrorIs(t, err, ErrReservationClosed)
}

func TestCommitValidation(t *testing.T) {
	tr := NewPositionTracker(5, "a", "b")
	res, err := tr.Reserve("a", "t1", 1)
	require.NoError(t, err)

	assert.ErrorIs(t, tr.Commit(res.ID, -0.5), ErrInvalidQuantity, "wrong sign")
	assert.ErrorIs(t, tr.Commit(res.ID, 0), ErrInvalidQuantity, "zero")
	assert.ErrorIs(t, tr.Commit(res.ID, 1.5), ErrInvalidQuantity, "over remainder")
	assert.ErrorIs(t, tr.Commit("missing", 1), ErrReservationNotFound)
	assert.Equal(t, 0.0, tr.Net("a"))
}

func TestReserveValidation(t *testing.T) {
	tr := NewPositionTracker(5, "a", "b")

	_, err := tr.Reserve("c", "t1", 1)
	assert.ErrorIs(t, err, ErrUnknownVenue)
	_, err = tr.Reserve("a", "t1", 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	assert.Equal(t, 0, tr.OpenReservations())
}

func TestReserveLimit(t *testing.T) {
	tr := NewPositionTracker(2, "a", "b")

	r1, err := tr.Reserve("a", "t1", 1.5)
	require.NoError(t, err)

	_, err = tr.Reserve("a", "t2", 1)
	assert.ErrorIs(t, err, ErrPositionLimitExceeded, "open reservations count toward limit")

	// противоположная сторона не складывается с long резервами
	r2, err := tr.Reserve("a", "t2", -1)
	require.NoError(t, err)

	require.NoError(t, tr.Commit(r1.ID, 1.5))
	_, err = tr.Release(r2.ID)
	require.NoError(t, err)

	_, err = tr.Reserve("a", "t3", 0.6)
	assert.ErrorIs(t, err, ErrPositionLimitExceeded, "committed counts toward limit")

	r3, err := tr.Reserve("a", "t3", 0.5)
	require.NoError(t, err, "exactly at limit")
	_, err = tr.Release(r3.ID)
	require.NoError(t, err)
}

func TestReserveAggregateLimit(t *testing.T) {
	tr := NewPositionTracker(2, "a", "b")

	r1, err := tr.Reserve("a", "t1", 1.5)
	require.NoError(t, err)
	require.NoError(t, tr.Commit(r1.ID, 1.5))

	_, err = tr.Reserve("b", "t1", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPositionLimitExceeded))
	assert.Contains(t, err.Error(), "aggregate")

	// хедж уменьшает суммарную позицию
	_, err = tr.Reserve("b", "t1", -1.5)
	assert.NoError(t, err)
}

func TestReleaseTrade(t *testing.T) {
	tr := NewPositionTracker(5, "a", "b")
	_, err := tr.Reserve("a", "t1", 1)
	require.NoError(t, err)
	_, err = tr.Reserve("b", "t1", -1)
	require.NoError(t, err)
	_, err = tr.Reserve("a", "t2", 1)
	require.NoError(t, err)

	assert.Equal(t, 2, tr.ReleaseTrade("t1"))
	assert.Equal(t, 1, tr.OpenReservations())
	assert.Equal(t, 0, tr.ReleaseTrade("t1"))
}

func TestReconcile(t *testing.T) {
	tr := NewPositionTracker(5, "a", "b")
	res, err := tr.Reserve("a", "t1", 1)
	require.NoError(t, err)
	require.NoError(t, tr.Commit(res.ID, 1))

	d, drifted := tr.Reconcile("a", 1, 1e-8)
	assert.False(t, drifted)
	assert.Equal(t, 0.0, d.Diff)

	d, drifted = tr.Reconcile("a", 1.25, 1e-8)
	assert.True(t, drifted)
	assert.Equal(t, Drift{Venue: "a", Tracker: 1, Reported: 1.25, Diff: 0.25}, d)
	assert.Equal(t, 1.0, tr.Net("a"), "reconcile does not correct the tracker")
}

// Параллельные Reserve/Commit/Release по обеим площадкам:
// подтверждённая позиция никогда не выходит за лимит
func TestTrackerLimitInvariantConcurrent(t *testing.T) {
	const limit = 3.0
	tr := NewPositionTracker(limit, "a", "b")

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			venues := []string{"a", "b"}

			for i := 0; i < 500; i++ {
				venue := venues[rng.Intn(2)]
				qty := float64(rng.Intn(10)+1) / 10
				if rng.Intn(2) == 0 {
					qty = -qty
				}
				res, err := tr.Reserve(venue, "fuzz", qty)
				if err != nil {
					assert.ErrorIs(t, err, ErrPositionLimitExceeded)
					continue
				}
				// частичное или полное исполнение, затем освобождение остатка
				part := math.Round(qty*float64(rng.Intn(11))) / 10
				if part != 0 {
					assert.NoError(t, tr.Commit(res.ID, part))
				}
				if rng.Intn(4) == 0 {
					// иногда уменьшаем позицию, чтобы лимит не заполнился навсегда
					if back, err := tr.Reserve(venue, "fuzz", -part); err == nil {
						assert.NoError(t, tr.Commit(back.ID, -part))
					}
				}
				if _, err := tr.Release(res.ID); err != nil {
					assert.ErrorIs(t, err, ErrReservationClosed)
				}

				snap := tr.Snapshot()
				for _, p := range snap.Venues {
					assert.LessOrEqual(t, math.Abs(p.NetQuantity), limit+1e-9)
				}
				assert.LessOrEqual(t, math.Abs(snap.Aggregate), limit+1e-9)
			}
		}(int64(w))
	}
	wg.Wait()

	assert.Equal(t, 0, tr.OpenReservations())
}

func BenchmarkReserveRelease(b *testing.B) {
	tr := NewPositionTracker(1e9, "a", "b")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := tr.Reserve("a", "bench", 1)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := tr.Release(res.ID); err != nil {
			b.Fatal(err)
		}
	}
}

func TestReservationCyclesFreeHeadroom(t *testing.T) {
	tr := NewPositionTracker(2, "a", "b")

	for i := 0; i < 50; i++ {
		long, err := tr.Reserve("a", "t", 1)
		require.NoError(t, err, "round %d", i)
		short, err := tr.Reserve("b", "t", -1)
		require.NoError(t, err, "round %d", i)

		if i%2 == 0 {
			_, err = tr.Release(long.ID)
			require.NoError(t, err)
			_, err = tr.Release(short.ID)
			require.NoError(t, err)
			continue
		}

		// исполнение с последующим закрытием позиции
		require.NoError(t, tr.Commit(long.ID, 1))
		require.NoError(t, tr.Commit(short.ID, -1))
		back, err := tr.Reserve("a", "t", -1)
		require.NoError(t, err, "round %d", i)
		require.NoError(t, tr.Commit(back.ID, -1))
		fwd, err := tr.Reserve("b", "t", 1)
		require.NoError(t, err, "round %d", i)
		require.NoError(t, tr.Commit(fwd.ID, 1))
	}

	snap := tr.Snapshot()
	for _, v := range []string{"a", "b"} {
		assert.Equal(t, 0.0, snap.Venues[v].NetQuantity, v)
		assert.Equal(t, 0.0, snap.Venues[v].ReservedLong, v)
		assert.Equal(t, 0.0, snap.Venues[v].ReservedShort, v)
	}
	assert.Equal(t, 0, tr.OpenReservations())
}
