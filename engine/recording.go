package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"stagecast/engine/streamer"
	"stagecast/scstore"
)

// RecordingJob carries the end-of-session snapshot the pipeline needs.
// The streamer record may change (or vanish) while the pipeline runs.
type RecordingJob struct {
	StreamKey    string
	ConnectedAt  time.Time
	Streamer     *streamer.Streamer
	TotalViewers int64
}

// FinalizeRecording locates the session's capture file, then concurrently
// probes its duration, remuxes+uploads the video, and grabs a poster
// frame. On full success it persists the recording and cleans up local
// files, aggregating any partial failures into one composite error.
func (e *Engine) FinalizeRecording(ctx context.Context, job *RecordingJob) (*scstore.RedisRecording, error) {
	cfg := e.config

	capture, err := e.locateCaptureFile(job)
	if err != nil {
		return nil, err
	}

	baseName := strings.TrimSuffix(filepath.Base(capture), cfg.CaptureExt)
	videoKey := path.Join("recordings", job.Streamer.AccountId, baseName+".mp4")
	posterKey := strings.TrimSuffix(videoKey, ".mp4") + ".jpg"
	remuxPath := strings.TrimSuffix(capture, cfg.CaptureExt) + ".mp4"

	var (
		duration  string
		videoUrl  string
		posterUrl string

		mu     sync.Mutex
		result *multierror.Error
	)
	collect := func(err error) {
		if err != nil {
			mu.Lock()
			result = multierror.Append(result, err)
			mu.Unlock()
		}
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		d, err := e.probeDuration(capture)
		duration = d
		collect(err)
	}()
	go func() {
		defer wg.Done()
		url, err := e.remuxAndUpload(ctx, capture, remuxPath, videoKey)
		videoUrl = url
		collect(err)
	}()
	go func() {
		defer wg.Done()
		url, err := e.captureFrame(ctx, capture, posterKey)
		posterUrl = url
		collect(err)
	}()
	wg.Wait()

	if err := result.ErrorOrNil(); err != nil {
		// Partial uploads are not rolled back here; the composite error
		// carries every underlying cause for operator handling.
		return nil, fmt.Errorf("recording pipeline failed for %s: %w", job.StreamKey, err)
	}

	recordingId, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	rec := &scstore.RedisRecording{
		Id:           recordingId,
		StreamerId:   string(job.Streamer.Id),
		AccountId:    job.Streamer.AccountId,
		StartedAt:    job.ConnectedAt,
		VideoKey:     videoKey,
		VideoUrl:     videoUrl,
		PosterKey:    posterKey,
		PosterUrl:    posterUrl,
		Duration:     duration,
		TotalViewers: job.TotalViewers,
		Title:        job.Streamer.Metadata.Title,
		Genre:        job.Streamer.Metadata.Genre,
		Category:     job.Streamer.Metadata.Category,
		Tags:         job.Streamer.Metadata.Tags,
		CreatedAt:    cfg.Clock.Now(),
	}

	// Record creation and local cleanup are attempted together; a failure
	// of one is not fatal to the other.
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := cfg.Store.SaveRecording(ctx, rec); err != nil {
			collect(fmt.Errorf("failed to persist recording %s: %w", rec.Id, err))
		}
	}()
	go func() {
		defer wg.Done()
		for _, p := range []string{capture, remuxPath} {
			if err := os.Remove(p); err != nil {
				collect(fmt.Errorf("failed to remove %s: %w", p, err))
			}
		}
	}()
	wg.Wait()

	e.sugar.Infow("Recording finalized", "recordingId", rec.Id, "streamerId", rec.StreamerId, "duration", rec.Duration)
	return rec, result.ErrorOrNil()
}

// locateCaptureFile finds the single capture file belonging to this
// session. Files written before the session connected are stale leftovers
// and are deleted on sight; anything other than exactly one survivor is
// unrecoverable.
func (e *Engine) locateCaptureFile(job *RecordingJob) (string, error) {
	cfg := e.config
	dir := filepath.Join(cfg.CaptureRoot, job.StreamKey)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to list capture dir for %s: %w", job.StreamKey, err)
	}

	var candidates []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != cfg.CaptureExt {
			continue
		}
		candidates = append(candidates, filepath.Join(dir, entry.Name()))
	}

	if len(candidates) != 1 {
		var survivors []string
		for _, candidate := range candidates {
			info, err := os.Stat(candidate)
			if err != nil {
				return "", err
			}
			if info.ModTime().Before(job.ConnectedAt) {
				if err := os.Remove(candidate); err != nil {
					e.sugar.Warnw("Failed to delete stale capture file", "file", candidate, "error", err)
				}
				continue
			}
			survivors = append(survivors, candidate)
		}
		candidates = survivors
	}

	if len(candidates) != 1 {
		err := &AmbiguousCaptureFileError{StreamKey: job.StreamKey, Candidates: len(candidates)}
		e.escalate(err)
		return "", err
	}
	return candidates[0], nil
}

func (e *Engine) probeDuration(path string) (string, error) {
	cmder := e.config.ProbeCmderCreator(path)
	var out, errBuf bytes.Buffer
	cmder.SetStdout(&out)
	cmder.SetStderr(&errBuf)
	if err := cmder.Start(); err != nil {
		return "", fmt.Errorf("failed to start ffprobe: %w", err)
	}
	if err := cmder.Wait(); err != nil {
		return "", fmt.Errorf("ffprobe failed: %w; output: %s", err, errBuf.String())
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(out.String()), 64)
	if err != nil {
		return "", fmt.Errorf("unparseable ffprobe duration %q: %w", out.String(), err)
	}
	return formatDuration(seconds), nil
}

// formatDuration renders a duration in seconds as HH:MM:SS, truncated to
// whole seconds.
func formatDuration(seconds float64) string {
	total := int64(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total/60%60, total%60)
}

func (e *Engine) remuxAndUpload(ctx context.Context, capture string, remuxPath string, videoKey string) (string, error) {
	cmder := e.config.RemuxCmderCreator(capture, remuxPath)
	var errBuf bytes.Buffer
	cmder.SetStderr(&errBuf)
	if err := cmder.Start(); err != nil {
		return "", fmt.Errorf("failed to start remux ffmpeg: %w", err)
	}
	if err := cmder.Wait(); err != nil {
		return "", fmt.Errorf("remux ffmpeg failed: %w; output: %s", err, errBuf.String())
	}

	f, err := os.Open(remuxPath)
	if err != nil {
		return "", fmt.Errorf("failed to open remuxed file: %w", err)
	}
	defer f.Close()

	url, err := e.config.Blob.Put(ctx, videoKey, f, "video/mp4")
	if err != nil {
		return "", fmt.Errorf("failed to upload video: %w", err)
	}
	return url, nil
}

// captureFrame grabs one frame from source and streams it into blob
// storage under key via multipart upload.
func (e *Engine) captureFrame(ctx context.Context, source string, key string) (string, error) {
	cmder := e.config.ThumbnailCmderCreator(source)
	var errBuf bytes.Buffer
	cmder.SetStderr(&errBuf)
	stdout, err := cmder.StdoutPipe()
	if err != nil {
		return "", err
	}
	if err := cmder.Start(); err != nil {
		return "", fmt.Errorf("failed to start thumbnail ffmpeg: %w", err)
	}

	url, putErr := e.config.Blob.Put(ctx, key, stdout, "image/jpeg")
	waitErr := cmder.Wait()
	if putErr != nil {
		return "", fmt.Errorf("failed to upload thumbnail: %w", putErr)
	}
	if waitErr != nil {
		return "", fmt.Errorf("thumbnail ffmpeg failed: %w; output: %s", waitErr, errBuf.String())
	}
	return url, nil
}
