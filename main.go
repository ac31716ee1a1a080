package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"stagecast/blob"
	"stagecast/bus"
	"stagecast/engine"
	"stagecast/gateway"
	"stagecast/ingest"
	"stagecast/notifier"
	"stagecast/scstore"
)

var isDev bool

const (
	devUsage = "whether to run in dev mode, which prints debug logs"
)

func init() {
	flag.BoolVar(&isDev, "dev", false, devUsage)
	flag.BoolVar(&isDev, "d", false, devUsage+" (shorthand)")
}

func main() {
	flag.Parse()

	var logger *zap.Logger
	var err error
	if isDev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if _, err := exec.LookPath("ffmpeg"); err != nil {
		sugar.Panic("ffmpeg not found")
	}

	if _, err := exec.LookPath("ffprobe"); err != nil {
		sugar.Panic("ffprobe not found")
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		sugar.Panic("REDIS_ADDR is not set")
	}

	ingestRtmpUrl := os.Getenv("INGEST_RTMP_URL")
	if ingestRtmpUrl == "" {
		sugar.Panic("INGEST_RTMP_URL is not set")
	}

	playbackBaseUrl := os.Getenv("PLAYBACK_BASE_URL")
	if playbackBaseUrl == "" {
		sugar.Panic("PLAYBACK_BASE_URL is not set")
	}

	captureRoot := os.Getenv("CAPTURE_ROOT")
	if captureRoot == "" {
		sugar.Panic("CAPTURE_ROOT is not set")
	}

	appName := os.Getenv("INGEST_APP")
	if appName == "" {
		appName = "live"
	}

	listenAddr := os.Getenv("LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	rs := redsync.New(goredis.NewPool(redisClient))
	store := &scstore.RealClient{Redis: redisClient, Redsync: rs}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blobStore, err := blob.NewS3Store(ctx, blob.S3Config{
		Endpoint:        os.Getenv("S3_ENDPOINT"),
		Region:          os.Getenv("S3_REGION"),
		Bucket:          os.Getenv("S3_BUCKET"),
		AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		UsePathStyle:    os.Getenv("S3_USE_PATH_STYLE") == "true",
		PublicURL:       os.Getenv("S3_PUBLIC_URL"),
	})
	if err != nil {
		sugar.Panicw("Failed to create blob store", "err", err)
	}

	b := bus.New(sugar)
	relay, err := bus.NewRelay(sugar, b, redisClient)
	if err != nil {
		sugar.Panicw("Failed to create bus relay", "err", err)
	}

	var alerter notifier.Sink
	if webhookUrl := os.Getenv("ALERT_WEBHOOK_URL"); webhookUrl != "" {
		alerter = notifier.NewWebhookSink(sugar, webhookUrl)
	} else {
		alerter = notifier.NewLogSink(sugar)
	}

	e := engine.New(sugar, &engine.Config{
		AppName:          appName,
		CaptureRoot:      captureRoot,
		RecordingEnabled: os.Getenv("RECORDING_DISABLED") != "true",
		IngestRtmpUrl:    ingestRtmpUrl,
		PlaybackBaseUrl:  playbackBaseUrl,
		Store:            store,
		Blob:             blobStore,
		Bus:              b,
		Alerter:          alerter,
		LiveChecker:      ingest.NewLiveChecker(playbackBaseUrl),
	})

	if swept, err := e.SweepStaleThumbnailFlags(ctx); err != nil {
		sugar.Errorw("Thumbnail flag sweep failed", "err", err)
	} else if swept > 0 {
		sugar.Infow("Swept stale thumbnail flags", "count", swept)
	}

	go e.RunScheduler(ctx)

	gw := gateway.New(sugar, store, b)
	gw.Run(ctx)

	hooks := ingest.NewHookServer(sugar, e)
	router := hooks.Router()
	router.GET("/ws", gw.HandleWS)

	server := &http.Server{
		Addr:    listenAddr,
		Handler: router,
	}
	go func() {
		sugar.Infow("Listening", "addr", listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Panicw("Server error", "err", err)
		}
	}()

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt)
	<-sigch

	cancel()
	if err := relay.Close(); err != nil {
		sugar.Infof("could not close bus relay gracefully: %s", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		sugar.Infof("could not shut down server gracefully: %s", err)
	}
}
