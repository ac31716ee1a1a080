package scstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"stagecast/engine/streamer"
)

func newTestClient(t *testing.T) *RealClient {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return &RealClient{
		Redis:   rdb,
		Redsync: redsync.New(goredis.NewPool(rdb)),
	}
}

func TestResolveStreamKey(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	assert.NoError(t, client.SaveAccount(ctx, &RedisAccount{Id: "acc1", StreamKey: "key-acc", Title: "Acc"}))
	assert.NoError(t, client.SaveStageSlot(ctx, &RedisStageSlot{Id: "slot1", EventId: "ev1", AccountId: "acc1", StreamKey: "key-slot"}))

	t.Run("Account", func(t *testing.T) {
		s, err := client.ResolveStreamKey(ctx, "key-acc")
		assert.NoError(t, err)
		assert.Equal(t, streamer.KindAccount, s.Kind)
		assert.Equal(t, streamer.Id("acc1"), s.Id)
	})

	t.Run("StageSlot", func(t *testing.T) {
		s, err := client.ResolveStreamKey(ctx, "key-slot")
		assert.NoError(t, err)
		assert.Equal(t, streamer.KindStageSlot, s.Kind)
		assert.Equal(t, "ev1", s.EventId)
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := client.ResolveStreamKey(ctx, "forged")
		assert.ErrorIs(t, err, ErrUnknownStreamKey)
	})

	t.Run("CollisionResolvesToAccount", func(t *testing.T) {
		assert.NoError(t, client.SaveAccount(ctx, &RedisAccount{Id: "acc2", StreamKey: "shared"}))
		assert.NoError(t, client.SaveStageSlot(ctx, &RedisStageSlot{Id: "slot2", StreamKey: "shared"}))

		s, err := client.ResolveStreamKey(ctx, "shared")
		assert.NoError(t, err)
		assert.Equal(t, streamer.KindAccount, s.Kind)
		assert.Equal(t, streamer.Id("acc2"), s.Id)
	})
}

func TestViewerCounters(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	id := streamer.Id("acc1")

	assert.NoError(t, client.ResetViewers(ctx, id))

	current, total, err := client.IncrViewers(ctx, id)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), current)
	assert.Equal(t, int64(1), total)

	current, total, err = client.IncrViewers(ctx, id)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), current)
	assert.Equal(t, int64(2), total)

	current, err = client.DecrViewers(ctx, id)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), current)

	// Leaves beyond joins must floor at zero, not go negative.
	for i := 0; i < 3; i++ {
		current, err = client.DecrViewers(ctx, id)
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(0), current)

	current, total, err = client.GetViewers(ctx, id)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), current)
	assert.Equal(t, int64(2), total)
}

func TestViewerCountersResetOnNewSession(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	id := streamer.Id("acc1")

	_, _, err := client.IncrViewers(ctx, id)
	assert.NoError(t, err)
	assert.NoError(t, client.ResetViewers(ctx, id))

	current, total, err := client.GetViewers(ctx, id)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), current)
	assert.Equal(t, int64(0), total)
}

func TestThumbnailStatus(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	now := time.Now().Truncate(time.Millisecond)

	status, _, err := client.GetThumbnailStatus(ctx, "acc1")
	assert.NoError(t, err)
	assert.Equal(t, streamer.ThumbnailReady, status)

	assert.NoError(t, client.SetThumbnailStatus(ctx, "acc1", streamer.ThumbnailInProgress, now))
	status, at, err := client.GetThumbnailStatus(ctx, "acc1")
	assert.NoError(t, err)
	assert.Equal(t, streamer.ThumbnailInProgress, status)
	assert.True(t, at.Equal(now))
}

func TestSweepStaleThumbnailFlags(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	now := time.Now().Truncate(time.Millisecond)

	assert.NoError(t, client.SetThumbnailStatus(ctx, "stale", streamer.ThumbnailInProgress, now.Add(-10*time.Minute)))
	assert.NoError(t, client.SetThumbnailStatus(ctx, "fresh", streamer.ThumbnailInProgress, now.Add(-time.Minute)))
	assert.NoError(t, client.SetThumbnailStatus(ctx, "ready", streamer.ThumbnailReady, now.Add(-10*time.Minute)))

	swept, err := client.SweepStaleThumbnailFlags(ctx, now.Add(-5*time.Minute), now)
	assert.NoError(t, err)
	assert.Equal(t, 1, swept)

	status, at, err := client.GetThumbnailStatus(ctx, "stale")
	assert.NoError(t, err)
	assert.Equal(t, streamer.ThumbnailReady, status)
	assert.True(t, at.Equal(now))

	status, _, err = client.GetThumbnailStatus(ctx, "fresh")
	assert.NoError(t, err)
	assert.Equal(t, streamer.ThumbnailInProgress, status)
}

func TestBroadcastWindows(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	t0 := time.Now().Truncate(time.Millisecond)

	save := func(id string, startAt time.Time, endAt time.Time) {
		assert.NoError(t, client.SaveBroadcast(ctx, &RedisBroadcast{
			Id:         id,
			TargetKind: streamer.KindStageSlot,
			TargetId:   "slot1",
			StartAt:    startAt,
			EndAt:      endAt,
			CreatedAt:  t0,
		}))
	}
	save("b30", t0.Add(30*time.Second), t0.Add(30*time.Minute))
	save("b60", t0.Add(60*time.Second), t0.Add(30*time.Minute))
	save("b90", t0.Add(90*time.Second), t0.Add(30*time.Minute))

	ids := func(batch []*RedisBroadcast) []string {
		var out []string
		for _, b := range batch {
			out = append(out, b.Id)
		}
		return out
	}

	t.Run("HalfOpenWindow", func(t *testing.T) {
		// The lower bound is exclusive: b30 belonged to the previous
		// window and must not match twice.
		batch, err := client.BroadcastsStartingIn(ctx, t0.Add(30*time.Second), t0.Add(90*time.Second))
		assert.NoError(t, err)
		assert.ElementsMatch(t, []string{"b60", "b90"}, ids(batch))
	})

	t.Run("LiveAt", func(t *testing.T) {
		save("ended", t0.Add(-time.Hour), t0.Add(-30*time.Minute))

		batch, err := client.BroadcastsLiveAt(ctx, t0.Add(45*time.Second))
		assert.NoError(t, err)
		assert.ElementsMatch(t, []string{"b30"}, ids(batch))
	})
}

func TestRecordings(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	_, err := client.GetRecording(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	rec := &RedisRecording{
		Id:           "rec1",
		StreamerId:   "acc1",
		AccountId:    "acc1",
		VideoKey:     "recordings/acc1/a.mp4",
		Duration:     "00:10:00",
		TotalViewers: 42,
	}
	assert.NoError(t, client.SaveRecording(ctx, rec))

	got, err := client.GetRecording(ctx, "rec1")
	assert.NoError(t, err)
	assert.Equal(t, rec.VideoKey, got.VideoKey)
	assert.Equal(t, int64(42), got.TotalViewers)
}

func TestTickMutexExcludesSiblings(t *testing.T) {
	client := newTestClient(t)

	mutex := client.TickMutex()
	assert.NoError(t, mutex.Lock())

	assert.Error(t, client.TickMutex().Lock())

	ok, err := mutex.Unlock()
	assert.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, client.TickMutex().Lock())
}
