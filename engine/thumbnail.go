package engine

import (
	"context"
	"errors"
	"fmt"
	"path"

	"stagecast/blob"
	"stagecast/engine/streamer"
)

func liveThumbnailKey(streamKey string) string {
	return path.Join("thumbnails", "live", streamKey+".jpg")
}

// ThumbnailURL returns the preview thumbnail URL for a live streamer,
// regenerating the image when the cached one is older than the TTL. The
// persisted InProgress flag is the single-flight guard: a second caller
// (or a sibling process) gets the existing URL back instead of a second
// ffmpeg run, accepting a slightly stale image.
func (e *Engine) ThumbnailURL(ctx context.Context, s *streamer.Streamer) (string, error) {
	cfg := e.config
	key := liveThumbnailKey(s.StreamKey)
	url := cfg.Blob.URL(key)

	status, _, err := cfg.Store.GetThumbnailStatus(ctx, s.Id)
	if err != nil {
		return "", err
	}
	if status == streamer.ThumbnailInProgress {
		return url, nil
	}

	info, err := cfg.Blob.Head(ctx, key)
	if err == nil && cfg.Clock.Now().Sub(info.LastModified) < cfg.ThumbnailTTL {
		return url, nil
	}
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		return "", err
	}

	if err := cfg.Store.SetThumbnailStatus(ctx, s.Id, streamer.ThumbnailInProgress, cfg.Clock.Now()); err != nil {
		return "", err
	}
	// The flag must come back down no matter how generation ends, or the
	// streamer's thumbnail cache wedges until the startup sweep.
	defer func() {
		if err := cfg.Store.SetThumbnailStatus(context.Background(), s.Id, streamer.ThumbnailReady, cfg.Clock.Now()); err != nil {
			e.sugar.Errorw("Failed to reset thumbnail flag", "streamerId", s.Id, "error", err)
		}
	}()

	live, err := cfg.LiveChecker(s.StreamKey)
	if err != nil {
		return "", fmt.Errorf("live probe failed for %s: %w", s.StreamKey, err)
	}
	if !live {
		return "", ErrSourceOffline
	}

	manifest := cfg.PlaybackBaseUrl + "/" + s.StreamKey + "/index.m3u8"
	if _, err := e.captureFrame(ctx, manifest, key); err != nil {
		return "", err
	}
	return url, nil
}
