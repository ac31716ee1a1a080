package engine

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"stagecast/bus"
	"stagecast/engine/streamer"
	"stagecast/scstore"
)

// RunScheduler drives scheduler ticks at the configured interval until
// ctx is cancelled. The interval timer guarantees ticks never overlap
// within this process; the tick mutex extends that across the cluster.
func (e *Engine) RunScheduler(ctx context.Context) {
	clock := e.config.Clock
	e.lastTick = clock.Now()

	ticker := clock.NewTicker(e.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.sugar.Errorw("Scheduler tick finished with failures", "error", err)
			}
		}
	}
}

// Tick processes every scheduled broadcast whose start time falls in the
// half-open window (lastTick, now]. The first tick of the process
// lifetime additionally picks up broadcasts that should already be live,
// so a restart mid-broadcast resumes it. lastTick advances
// unconditionally: the next window must have no gap and no overlap even
// when this one failed.
func (e *Engine) Tick(ctx context.Context) error {
	cfg := e.config

	mutex := cfg.Store.TickMutex()
	if err := mutex.Lock(); err != nil {
		// A sibling owns this window. It must still count as ticked here,
		// or the next local window stretches back over broadcasts the
		// sibling already launched.
		e.lastTick = cfg.Clock.Now()
		e.ticked = true
		e.sugar.Debugw("Skipping scheduler tick, lock held elsewhere")
		return nil
	}
	defer func() {
		if _, err := mutex.Unlock(); err != nil {
			e.sugar.Warnw("Failed to unlock tick mutex", "error", err)
		}
	}()

	now := cfg.Clock.Now()
	firstTick := !e.ticked
	defer func() {
		e.lastTick = now
		e.ticked = true
	}()

	batch, err := cfg.Store.BroadcastsStartingIn(ctx, e.lastTick, now)
	if err != nil {
		err = fmt.Errorf("failed to query broadcast window: %w", err)
		e.escalate(err)
		return err
	}

	if firstTick {
		live, err := cfg.Store.BroadcastsLiveAt(ctx, now)
		if err != nil {
			err = fmt.Errorf("failed to query in-progress broadcasts: %w", err)
			e.escalate(err)
			return err
		}
		seen := make(map[string]struct{}, len(batch))
		for _, b := range batch {
			seen[b.Id] = struct{}{}
		}
		for _, b := range live {
			if _, ok := seen[b.Id]; !ok {
				batch = append(batch, b)
			}
		}
	}

	if len(batch) == 0 {
		return nil
	}
	e.sugar.Infow("Scheduler tick", "broadcasts", len(batch), "windowStart", e.lastTick, "windowEnd", now)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, b := range batch {
		wg.Add(1)
		go func(b *scstore.RedisBroadcast) {
			defer wg.Done()
			if err := e.startBroadcast(ctx, b); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("broadcast %s: %w", b.Id, err))
				mu.Unlock()
			}
		}(b)
	}
	wg.Wait()

	if err := result.ErrorOrNil(); err != nil {
		err = fmt.Errorf("scheduler tick had failures: %w", err)
		e.escalate(err)
		return err
	}
	return nil
}

func (e *Engine) startBroadcast(ctx context.Context, b *scstore.RedisBroadcast) error {
	cfg := e.config

	s, err := cfg.Store.GetStreamer(ctx, b.TargetKind, b.TargetId)
	if err != nil {
		return fmt.Errorf("failed to load target %s: %w", b.TargetId, err)
	}

	s.Metadata = streamer.Metadata{
		Title:    b.Title,
		Genre:    b.Genre,
		Category: b.Category,
		Tags:     b.Tags,
	}
	if err := cfg.Store.SaveStreamer(ctx, s); err != nil {
		return fmt.Errorf("failed to persist broadcast metadata: %w", err)
	}

	if s.Kind != streamer.KindStageSlot || b.VideoKey == "" {
		// Account broadcasts are performed live by the human behind them.
		return nil
	}

	offset := cfg.Clock.Now().Sub(b.StartAt)
	if offset < 0 {
		offset = 0
	}

	// The rendezvous is registered before the process starts so the
	// publish confirmation cannot slip past us.
	waiter := cfg.Bus.NewWaiter(bus.StreamStartedTopic(s.StreamKey))

	cmder := cfg.PlaybackCmderCreator(cfg.Blob.URL(b.VideoKey), offset, cfg.IngestRtmpUrl+"/"+s.StreamKey)
	var errBuf bytes.Buffer
	cmder.SetStderr(&errBuf)
	if err := cmder.Start(); err != nil {
		waiter.Close()
		return fmt.Errorf("failed to start playback ffmpeg: %w", err)
	}
	go func() {
		if err := cmder.Wait(); err != nil {
			e.sugar.Errorw("Playback ffmpeg exited with error", "broadcastId", b.Id, "error", err, "output", errBuf.String())
		}
	}()

	// On timeout only the bookkeeping gives up; the playback process is
	// left running and may still reach the ingest server late.
	if err := waiter.Wait(ctx, cfg.Clock, cfg.PlaybackStartTimeout); err != nil {
		return fmt.Errorf("playback did not reach ingest: %w", err)
	}
	e.sugar.Infow("Scheduled broadcast launched", "broadcastId", b.Id, "streamerId", s.Id, "offset", offset)
	return nil
}
