package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"stagecast/blob"
	"stagecast/bus"
	"stagecast/notifier"
	"stagecast/scstore"
)

var (
	ErrRejectedSession = errors.New("session rejected")
	ErrSourceOffline   = errors.New("live source not reachable")
)

// AmbiguousCaptureFileError reports that the capture directory did not
// hold exactly one recording file after stale-file pruning. Recording for
// that session is permanently skipped.
type AmbiguousCaptureFileError struct {
	StreamKey  string
	Candidates int
}

func (e *AmbiguousCaptureFileError) Error() string {
	return fmt.Sprintf("expected exactly one capture file for %s, found %d", e.StreamKey, e.Candidates)
}

// Cmder runs one external subprocess. Real implementations wrap exec.Cmd;
// tests substitute fakes.
type Cmder interface {
	SetStdout(pipe io.Writer)
	SetStderr(pipe io.Writer)
	Start() error
	Wait() error
}

// PipeCmder is a Cmder whose stdout is consumed as a stream (the
// thumbnail grab pipes frames straight into blob storage).
type PipeCmder interface {
	StdoutPipe() (io.ReadCloser, error)
	SetStderr(pipe io.Writer)
	Start() error
	Wait() error
}

type Config struct {
	// AppName is the RTMP application segment publish paths must carry.
	AppName string

	CaptureRoot      string
	CaptureExt       string
	RecordingEnabled bool

	// IngestRtmpUrl is where scheduled playback is pushed, e.g.
	// rtmp://media-server/live.
	IngestRtmpUrl string
	// PlaybackBaseUrl is the HLS playback root; the manifest for a key
	// lives at <PlaybackBaseUrl>/<key>/index.m3u8.
	PlaybackBaseUrl string

	ThumbnailTTL time.Duration
	// ThumbnailMaxAge bounds how long a generation may legitimately hold
	// the InProgress flag; older flags are swept at startup.
	ThumbnailMaxAge time.Duration

	TickInterval         time.Duration
	PlaybackStartTimeout time.Duration

	Clock   quartz.Clock
	Store   scstore.Client
	Blob    blob.Store
	Bus     *bus.Bus
	Alerter notifier.Sink

	ProbeCmderCreator     func(path string) Cmder
	RemuxCmderCreator     func(inPath string, outPath string) Cmder
	ThumbnailCmderCreator func(sourceUrl string) PipeCmder
	PlaybackCmderCreator  func(videoUrl string, offset time.Duration, rtmpUrl string) Cmder

	// LiveChecker asks the media server whether a stream key is
	// currently publishing.
	LiveChecker func(streamKey string) (bool, error)

	// RecordingListener, when set, is called once per finished pipeline
	// run with the persisted recording (nil on failure).
	RecordingListener func(rec *scstore.RedisRecording, err error)
}

type Engine struct {
	sugar  *zap.SugaredLogger
	config *Config

	lastTick time.Time
	ticked   bool
}

func New(sugar *zap.SugaredLogger, cfg *Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.CaptureExt == "" {
		cfg.CaptureExt = ".flv"
	}
	if cfg.ThumbnailTTL == 0 {
		cfg.ThumbnailTTL = time.Minute
	}
	if cfg.ThumbnailMaxAge == 0 {
		cfg.ThumbnailMaxAge = 5 * time.Minute
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.PlaybackStartTimeout == 0 {
		cfg.PlaybackStartTimeout = 30 * time.Second
	}
	if cfg.ProbeCmderCreator == nil {
		cfg.ProbeCmderCreator = NewRealProbeCmder
	}
	if cfg.RemuxCmderCreator == nil {
		cfg.RemuxCmderCreator = NewRealRemuxCmder
	}
	if cfg.ThumbnailCmderCreator == nil {
		cfg.ThumbnailCmderCreator = NewRealThumbnailCmder
	}
	if cfg.PlaybackCmderCreator == nil {
		cfg.PlaybackCmderCreator = NewRealPlaybackCmder
	}

	return &Engine{
		sugar:  sugar,
		config: cfg,
	}
}

func (e *Engine) escalate(err error) {
	if e.config.Alerter != nil {
		e.config.Alerter.Escalate(err)
	}
}

// SweepStaleThumbnailFlags resets InProgress flags older than
// ThumbnailMaxAge. Run once at process start, under a process-group lock
// so only one clustered worker does it.
func (e *Engine) SweepStaleThumbnailFlags(ctx context.Context) (int, error) {
	mutex := e.config.Store.SweepMutex()
	if err := mutex.Lock(); err != nil {
		e.sugar.Debugw("Skipping thumbnail flag sweep, another process holds the lock")
		return 0, nil
	}
	defer func() {
		if _, err := mutex.Unlock(); err != nil {
			e.sugar.Warnw("Failed to unlock sweep mutex", "error", err)
		}
	}()

	now := e.config.Clock.Now()
	return e.config.Store.SweepStaleThumbnailFlags(ctx, now.Add(-e.config.ThumbnailMaxAge), now)
}
