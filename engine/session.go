package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"stagecast/bus"
	"stagecast/engine/streamer"
	"stagecast/scstore"
)

// splitStreamPath parses the media server's publish path ("/live/abc123")
// into the application segment and the stream key.
func splitStreamPath(p string) (string, string, error) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed stream path %q", p)
	}
	return parts[0], parts[1], nil
}

// HandlePublish reacts to the media server confirming a publish. A
// returned ErrRejectedSession tells the hook layer to refuse the session;
// any other error is a failed transition that must not emit events.
func (e *Engine) HandlePublish(ctx context.Context, sessionId string, path string) error {
	app, streamKey, err := splitStreamPath(path)
	if err != nil {
		e.sugar.Infow("Rejecting session with malformed path", "sessionId", sessionId, "path", path)
		return fmt.Errorf("%w: %s", ErrRejectedSession, err)
	}
	if app != e.config.AppName {
		e.sugar.Infow("Rejecting session for unknown application", "sessionId", sessionId, "app", app)
		return fmt.Errorf("%w: unknown application %q", ErrRejectedSession, app)
	}

	s, err := e.config.Store.ResolveStreamKey(ctx, streamKey)
	if errors.Is(err, scstore.ErrUnknownStreamKey) {
		// Forged or stale key.
		e.sugar.Infow("Rejecting session with unresolvable stream key", "sessionId", sessionId)
		return fmt.Errorf("%w: %s", ErrRejectedSession, err)
	}
	if err != nil {
		err = fmt.Errorf("failed to resolve stream key: %w", err)
		e.escalate(err)
		return err
	}

	if err := e.config.Store.ResetViewers(ctx, s.Id); err != nil {
		err = fmt.Errorf("failed to reset view counters for %s: %w", s.Id, err)
		e.escalate(err)
		return err
	}

	now := e.config.Clock.Now()
	// A flag left at InProgress by a crashed generation would wedge the
	// thumbnail cache; a fresh session starts with a clean flag.
	if err := e.config.Store.SetThumbnailStatus(ctx, s.Id, streamer.ThumbnailReady, now); err != nil {
		err = fmt.Errorf("failed to reset thumbnail flag for %s: %w", s.Id, err)
		e.escalate(err)
		return err
	}
	s.SessionStartedAt = &now
	if err := e.config.Store.SaveStreamer(ctx, s); err != nil {
		err = fmt.Errorf("failed to persist session start for %s: %w", s.Id, err)
		e.escalate(err)
		return err
	}

	e.sugar.Infow("Stream session started", "sessionId", sessionId, "streamerId", s.Id, "kind", s.Kind)
	e.config.Bus.Publish(bus.NewMessage(bus.TopicStreamStarted, &bus.StreamEventPayload{
		StreamerId: s.Id,
		Kind:       s.Kind,
		AccountId:  s.AccountId,
		Title:      s.Metadata.Title,
	}))
	e.config.Bus.Publish(bus.NewMessage(bus.StreamStartedTopic(streamKey), nil))
	return nil
}

// HandleUnpublish reacts to the media server confirming an unpublish.
// streamEnded goes out before the (potentially multi-minute) recording
// pipeline starts, so viewers see the stream end promptly.
func (e *Engine) HandleUnpublish(ctx context.Context, sessionId string, path string) error {
	app, streamKey, err := splitStreamPath(path)
	if err != nil {
		return nil
	}
	if app != e.config.AppName {
		e.sugar.Debugw("Ignoring unpublish for unknown application", "sessionId", sessionId, "app", app)
		return nil
	}

	s, err := e.config.Store.ResolveStreamKey(ctx, streamKey)
	if errors.Is(err, scstore.ErrUnknownStreamKey) {
		// Streamer deleted mid-session; nothing to finalize.
		e.sugar.Debugw("Ignoring unpublish for unknown stream key", "sessionId", sessionId)
		return nil
	}
	if err != nil {
		err = fmt.Errorf("failed to resolve stream key on unpublish: %w", err)
		e.escalate(err)
		return err
	}

	e.sugar.Infow("Stream session ended", "sessionId", sessionId, "streamerId", s.Id)
	e.config.Bus.Publish(bus.NewMessage(bus.TopicStreamEnded, &bus.StreamEventPayload{
		StreamerId: s.Id,
		Kind:       s.Kind,
		AccountId:  s.AccountId,
		Title:      s.Metadata.Title,
	}))

	if !e.config.RecordingEnabled || s.SessionStartedAt == nil {
		return nil
	}

	_, totalViewers, err := e.config.Store.GetViewers(ctx, s.Id)
	if err != nil {
		e.sugar.Warnw("Could not snapshot view count for recording", "streamerId", s.Id, "error", err)
	}

	job := &RecordingJob{
		StreamKey:    streamKey,
		ConnectedAt:  *s.SessionStartedAt,
		Streamer:     s,
		TotalViewers: totalViewers,
	}
	go func() {
		rec, err := e.FinalizeRecording(context.Background(), job)
		if err != nil {
			e.escalate(err)
		}
		if listener := e.config.RecordingListener; listener != nil {
			listener(rec, err)
		}
	}()
	return nil
}
