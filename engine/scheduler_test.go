package engine

import (
	"context"
	"errors"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"stagecast/bus"
	"stagecast/engine/streamer"
	"stagecast/scstore"
	"stagecast/scstore/scstoretest"
)

// playbackRecorder tracks playback launches keyed by stream key and
// confirms the rendezvous for them, standing in for a real ffmpeg push
// reaching the ingest server.
type playbackRecorder struct {
	mu      sync.Mutex
	offsets map[string]time.Duration
	count   int
	confirm bool
	b       *bus.Bus
}

func (p *playbackRecorder) creator(videoUrl string, offset time.Duration, rtmpUrl string) Cmder {
	streamKey := path.Base(rtmpUrl)
	p.mu.Lock()
	p.offsets[streamKey] = offset
	p.count++
	p.mu.Unlock()
	if p.confirm {
		p.b.Publish(bus.NewMessage(bus.StreamStartedTopic(streamKey), nil))
	}
	return &fakeCmder{}
}

func (p *playbackRecorder) launches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *playbackRecorder) offset(streamKey string) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.offsets[streamKey]
	return d, ok
}

type schedulerFixture struct {
	engine   *Engine
	clock    *quartz.Mock
	store    *scstoretest.TestClient
	playback *playbackRecorder
	sink     *fakeSink
}

func newSchedulerFixture(t *testing.T, store scstore.Client) *schedulerFixture {
	logger := zaptest.NewLogger(t)
	mClock := quartz.NewMock(t)
	b := bus.New(logger.Sugar())
	playback := &playbackRecorder{offsets: make(map[string]time.Duration), confirm: true, b: b}
	sink := &fakeSink{}

	testStore, _ := store.(*scstoretest.TestClient)
	e := New(logger.Sugar(), &Config{
		AppName:              "live",
		IngestRtmpUrl:        "rtmp://ingest/live",
		TickInterval:         time.Minute,
		PlaybackStartTimeout: 30 * time.Second,
		Clock:                mClock,
		Store:                store,
		Blob:                 newFakeBlobStore(),
		Bus:                  b,
		Alerter:              sink,
		PlaybackCmderCreator: playback.creator,
	})
	return &schedulerFixture{engine: e, clock: mClock, store: testStore, playback: playback, sink: sink}
}

func saveSlotBroadcast(t *testing.T, store *scstoretest.TestClient, id string, slotId string, streamKey string, startAt time.Time, endAt time.Time) {
	t.Helper()
	ctx := context.Background()
	assert.NoError(t, store.SaveStageSlot(ctx, &scstore.RedisStageSlot{
		Id:        slotId,
		EventId:   "ev1",
		AccountId: "organizer",
		StreamKey: streamKey,
	}))
	assert.NoError(t, store.SaveBroadcast(ctx, &scstore.RedisBroadcast{
		Id:         id,
		TargetKind: streamer.KindStageSlot,
		TargetId:   slotId,
		StartAt:    startAt,
		EndAt:      endAt,
		VideoKey:   "videos/" + id + ".mp4",
		Title:      "Broadcast " + id,
		Genre:      "Jazz",
	}))
}

func TestTick(t *testing.T) {
	ctx := context.Background()

	t.Run("WindowMatchesExactlyOnce", func(t *testing.T) {
		f := newSchedulerFixture(t, scstoretest.NewTestClient())
		t0 := f.clock.Now()
		f.engine.lastTick = t0
		f.engine.ticked = true

		saveSlotBroadcast(t, f.store, "b1", "slot1", "skey1", t0.Add(30*time.Second), t0.Add(time.Hour))

		f.clock.Advance(time.Minute).MustWait(ctx)
		assert.NoError(t, f.engine.Tick(ctx))
		assert.Equal(t, 1, f.playback.launches())

		slot, err := f.store.GetStageSlot(ctx, "slot1")
		assert.NoError(t, err)
		assert.Equal(t, "Broadcast b1", slot.Title)
		assert.Equal(t, "Jazz", slot.Genre)

		// The next window starts where this one ended; b1 must not match
		// again.
		f.clock.Advance(time.Minute).MustWait(ctx)
		assert.NoError(t, f.engine.Tick(ctx))
		assert.Equal(t, 1, f.playback.launches())
	})

	t.Run("FirstTickCatchesUpInProgressBroadcasts", func(t *testing.T) {
		f := newSchedulerFixture(t, scstoretest.NewTestClient())
		t0 := f.clock.Now()
		f.engine.lastTick = t0

		// Started before this process existed, still running.
		saveSlotBroadcast(t, f.store, "early", "slot1", "skey1", t0.Add(-10*time.Minute), t0.Add(time.Hour))
		// In the window and live: must be started once, not twice.
		saveSlotBroadcast(t, f.store, "b1", "slot2", "skey2", t0.Add(30*time.Second), t0.Add(time.Hour))
		// Already over: not resumed.
		saveSlotBroadcast(t, f.store, "over", "slot3", "skey3", t0.Add(-2*time.Hour), t0.Add(-time.Hour))

		f.clock.Advance(time.Minute).MustWait(ctx)
		assert.NoError(t, f.engine.Tick(ctx))
		assert.Equal(t, 2, f.playback.launches())

		// Playback of the missed broadcast seeks to where it should be by
		// now.
		offset, ok := f.playback.offset("skey1")
		assert.True(t, ok)
		assert.Equal(t, 11*time.Minute, offset)

		_, ok = f.playback.offset("skey3")
		assert.False(t, ok)
	})

	t.Run("AccountBroadcastOnlyUpdatesMetadata", func(t *testing.T) {
		f := newSchedulerFixture(t, scstoretest.NewTestClient())
		t0 := f.clock.Now()
		f.engine.lastTick = t0
		f.engine.ticked = true

		assert.NoError(t, f.store.SaveAccount(ctx, &scstore.RedisAccount{Id: "acc1", StreamKey: "akey"}))
		assert.NoError(t, f.store.SaveBroadcast(ctx, &scstore.RedisBroadcast{
			Id:         "b1",
			TargetKind: streamer.KindAccount,
			TargetId:   "acc1",
			StartAt:    t0.Add(30 * time.Second),
			EndAt:      t0.Add(time.Hour),
			VideoKey:   "videos/ignored.mp4",
			Title:      "Live Show",
		}))

		f.clock.Advance(time.Minute).MustWait(ctx)
		assert.NoError(t, f.engine.Tick(ctx))
		assert.Zero(t, f.playback.launches())

		account, err := f.store.GetAccount(ctx, "acc1")
		assert.NoError(t, err)
		assert.Equal(t, "Live Show", account.Title)
	})

	t.Run("StageSlotWithoutVideoDoesNotLaunchPlayback", func(t *testing.T) {
		f := newSchedulerFixture(t, scstoretest.NewTestClient())
		t0 := f.clock.Now()
		f.engine.lastTick = t0
		f.engine.ticked = true

		assert.NoError(t, f.store.SaveStageSlot(ctx, &scstore.RedisStageSlot{Id: "slot1", StreamKey: "skey1"}))
		assert.NoError(t, f.store.SaveBroadcast(ctx, &scstore.RedisBroadcast{
			Id:         "b1",
			TargetKind: streamer.KindStageSlot,
			TargetId:   "slot1",
			StartAt:    t0.Add(30 * time.Second),
			EndAt:      t0.Add(time.Hour),
			Title:      "Live Stage",
		}))

		f.clock.Advance(time.Minute).MustWait(ctx)
		assert.NoError(t, f.engine.Tick(ctx))
		assert.Zero(t, f.playback.launches())

		slot, err := f.store.GetStageSlot(ctx, "slot1")
		assert.NoError(t, err)
		assert.Equal(t, "Live Stage", slot.Title)
	})

	t.Run("RendezvousTimeoutStillAdvancesWindow", func(t *testing.T) {
		f := newSchedulerFixture(t, scstoretest.NewTestClient())
		t0 := f.clock.Now()
		f.engine.lastTick = t0
		f.engine.ticked = true
		f.playback.confirm = false

		saveSlotBroadcast(t, f.store, "b1", "slot1", "skey1", t0.Add(30*time.Second), t0.Add(time.Hour))

		f.clock.Advance(time.Minute).MustWait(ctx)
		now := f.clock.Now()

		errChan := make(chan error, 1)
		go func() {
			errChan <- f.engine.Tick(ctx)
		}()

		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		assert.Eventually(t, func() bool {
			p, ok := f.clock.Peek()
			return ok && p == 30*time.Second
		}, time.Second, 10*time.Millisecond)
		f.clock.Advance(30 * time.Second).MustWait(waitCtx)

		select {
		case err := <-errChan:
			assert.ErrorIs(t, err, bus.ErrWaitTimeout)
		case <-time.After(time.Second):
			t.Fatal("tick never returned")
		}

		assert.Equal(t, 1, f.playback.launches())
		assert.Equal(t, 1, f.sink.count())
		assert.True(t, f.engine.lastTick.Equal(now))
	})

	t.Run("LockHeldElsewhereSkipsTick", func(t *testing.T) {
		store := scstoretest.NewTestClient()
		f := newSchedulerFixture(t, lockedTickStore{store})
		f.store = store
		t0 := f.clock.Now()
		f.engine.lastTick = t0
		f.engine.ticked = true

		saveSlotBroadcast(t, store, "b1", "slot1", "skey1", t0.Add(30*time.Second), t0.Add(time.Hour))

		f.clock.Advance(time.Minute).MustWait(ctx)
		now := f.clock.Now()
		assert.NoError(t, f.engine.Tick(ctx))
		assert.Zero(t, f.playback.launches())

		// The sibling owned that window; it still counts as ticked here.
		assert.True(t, f.engine.lastTick.Equal(now))
	})

	t.Run("SiblingWindowsNeverLaunchTwice", func(t *testing.T) {
		logger := zaptest.NewLogger(t)
		mClock := quartz.NewMock(t)
		store := scstoretest.NewTestClient()
		b := bus.New(logger.Sugar())
		playback := &playbackRecorder{offsets: make(map[string]time.Duration), confirm: true, b: b}

		newSibling := func(s scstore.Client) *Engine {
			e := New(logger.Sugar(), &Config{
				AppName:              "live",
				IngestRtmpUrl:        "rtmp://ingest/live",
				TickInterval:         time.Minute,
				Clock:                mClock,
				Store:                s,
				Blob:                 newFakeBlobStore(),
				Bus:                  b,
				PlaybackCmderCreator: playback.creator,
			})
			e.lastTick = mClock.Now()
			e.ticked = true
			return e
		}
		siblingA := newSibling(store)
		flaky := &flakyTickStore{TestClient: store, heldTicks: 1}
		siblingB := newSibling(flaky)

		t0 := mClock.Now()
		saveSlotBroadcast(t, store, "b1", "slot1", "skey1", t0.Add(30*time.Second), t0.Add(time.Hour))

		// A wins the first window and launches b1; B is locked out.
		mClock.Advance(time.Minute).MustWait(ctx)
		assert.NoError(t, siblingA.Tick(ctx))
		assert.NoError(t, siblingB.Tick(ctx))
		assert.Equal(t, 1, playback.launches())

		// B's next successful tick must not stretch back over A's window.
		mClock.Advance(time.Minute).MustWait(ctx)
		assert.NoError(t, siblingB.Tick(ctx))
		assert.Equal(t, 1, playback.launches())
	})
}

// flakyTickStore fails the first heldTicks tick-lock attempts, as when a
// sibling process holds the cluster mutex.
type flakyTickStore struct {
	*scstoretest.TestClient
	heldTicks int
}

func (s *flakyTickStore) TickMutex() scstore.Mutex {
	if s.heldTicks > 0 {
		s.heldTicks--
		return heldMutex{}
	}
	return s.TestClient.TickMutex()
}

type lockedTickStore struct {
	*scstoretest.TestClient
}

func (s lockedTickStore) TickMutex() scstore.Mutex { return heldMutex{} }

type heldMutex struct{}

func (heldMutex) Lock() error           { return errors.New("lock already taken") }
func (heldMutex) Unlock() (bool, error) { return false, nil }
