package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/peterbourgon/ff/v3"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/cascadevideo/cascade-api/api"
	"github.com/cascadevideo/cascade-api/config"
	"github.com/cascadevideo/cascade-api/handlers"
	"github.com/cascadevideo/cascade-api/log"
	"github.com/cascadevideo/cascade-api/pipeline"
	"github.com/cascadevideo/cascade-api/playback"
	"github.com/cascadevideo/cascade-api/pprof"
	"github.com/cascadevideo/cascade-api/queue"
	"github.com/cascadevideo/cascade-api/storage"
	"github.com/cascadevideo/cascade-api/store"
	"github.com/cascadevideo/cascade-api/transcode"
	"github.com/cascadevideo/cascade-api/video"
)

func main() {
	fs := flag.NewFlagSet("cascade-api", flag.ExitOnError)
	cli := config.Cli{}

	version := fs.Bool("version", false, "print application version")

	fs.StringVar(&cli.AppName, "app-name", "cascade-api", "Service name used in logs and metrics")
	fs.IntVar(&cli.Port, "port", 8080, "Port to bind the HTTP API on")
	fs.StringVar(&cli.AppEnv, "app-env", config.EnvDevelopment, "Runtime environment: development, production or test")
	config.URLVarFlag(fs, &cli.DatabaseURL, "database-url", "", "Postgres connection URL")
	fs.StringVar(&cli.RedisHost, "redis-host", "127.0.0.1", "Redis hostname")
	fs.IntVar(&cli.RedisPort, "redis-port", 6379, "Redis port")
	fs.StringVar(&cli.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&cli.QueueRetryAttempts, "queue-retry-attempts", 3, "Max transcode attempts per job")
	fs.DurationVar(&cli.QueueRetryDelay, "queue-retry-delay", 5*time.Second, "Base delay before a failed job retries, doubling per attempt")
	fs.StringVar(&cli.StorageDriver, "storage-driver", config.DriverLocal, "Blob storage driver: local or s3")
	fs.StringVar(&cli.StoragePath, "storage-path", "./storage/app", "Root directory for the local storage driver")
	fs.StringVar(&cli.R2Endpoint, "r2-endpoint", "", "S3 compatible endpoint for the s3 storage driver")
	fs.StringVar(&cli.R2AccessKeyID, "r2-access-key-id", "", "Access key for the s3 storage driver")
	fs.StringVar(&cli.R2SecretAccessKey, "r2-secret-access-key", "", "Secret key for the s3 storage driver")
	fs.StringVar(&cli.R2BucketName, "r2-bucket-name", "", "Bucket for the s3 storage driver")
	fs.StringVar(&cli.UploadDir, "upload-dir", "./storage/app/uploads/raw", "Directory raw uploads land in with the local driver, created at boot")
	fs.StringVar(&cli.PublicRoot, "public-root", "/storage", "Public URL prefix for stored files")
	fs.StringVar(&cli.CORSOrigin, "cors-origin", "*", "Origin allowed on CORS responses")
	config.CommaSliceFlag(fs, &cli.UploadExtensions, "upload-extensions", []string{".mp4", ".mov", ".mkv", ".webm"}, "File extensions accepted for upload")
	fs.IntVar(&cli.WorkerConcurrency, "worker-concurrency", 4, "Number of transcode workers polling the queue")
	fs.BoolVar(&cli.DeleteSourceAfter, "delete-source-after", false, "Delete the raw upload after a successful transcode")
	fs.DurationVar(&cli.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "How long to wait for in-flight work on shutdown")
	pprofPort := fs.Int("pprof-port", 6061, "Pprof listen port")
	_ = fs.String("config", "", "config file (optional)")

	err := ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarNoPrefix(),
	)
	if err != nil {
		fatalf("error parsing cli: %s", err)
	}
	if len(fs.Args()) > 0 {
		fatalf("unexpected extra arguments on command line: %v", fs.Args())
	}

	if *version {
		fmt.Printf("cascade-api version: %s\n", config.Version)
		return
	}

	if err := cli.Validate(); err != nil {
		fatalf("invalid configuration: %s", err)
	}

	go func() {
		log.LogNoRequestID("pprof listener stopped", "err", pprof.ListenAndServe(*pprofPort))
	}()

	db, err := sql.Open("postgres", cli.DatabaseURL.String())
	if err != nil {
		fatalf("error opening postgres connection: %s", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelMigrate()
	if err := store.Migrate(migrateCtx, db); err != nil {
		fatalf("error migrating database: %s", err)
	}
	repo := store.NewRepository(db)

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cli.RedisAddr(),
		Password: cli.RedisPassword,
	})
	jobQueue := queue.New(redisClient, queue.Options{RetryDelay: cli.QueueRetryDelay})

	blobs, err := newStorage(cli)
	if err != nil {
		fatalf("error initializing storage: %s", err)
	}

	prober := video.Probe{}
	transcoder := transcode.NewTranscoder(blobs, prober, transcode.FFmpegRunner{})
	producer := pipeline.NewProducer(repo, blobs, jobQueue, cli.UploadExtensions, cli.QueueRetryAttempts)
	worker := pipeline.NewWorker(pipeline.WorkerConfig{
		Concurrency:       cli.WorkerConcurrency,
		DeleteSourceAfter: cli.DeleteSourceAfter,
	}, repo, blobs, jobQueue, transcoder, prober)
	streamer := playback.NewStreamer(repo, blobs)

	apiHandlers := &handlers.CascadeAPIHandlersCollection{
		Producer: producer,
		Streamer: streamer,
		Repo:     repo,
		Blobs:    blobs,
		Queue:    jobQueue,
	}

	// Cancelling the root context prompts all components to shut down cleanly
	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return handleSignals(ctx)
	})

	group.Go(func() error {
		return api.ListenAndServe(ctx, cli, apiHandlers)
	})

	group.Go(func() error {
		return worker.Run(ctx)
	})

	err = group.Wait()
	log.LogNoRequestID("Shutdown complete", "reason", err)
}

func newStorage(cli config.Cli) (storage.Storage, error) {
	switch cli.StorageDriver {
	case config.DriverS3:
		return storage.NewObjectStorage(storage.ObjectConfig{
			Endpoint:        cli.R2Endpoint,
			AccessKeyID:     cli.R2AccessKeyID,
			SecretAccessKey: cli.R2SecretAccessKey,
			Bucket:          cli.R2BucketName,
			PublicRoot:      cli.PublicRoot,
		})
	default:
		if err := os.MkdirAll(cli.UploadDir, 0o755); err != nil {
			return nil, fmt.Errorf("error creating upload dir %s: %w", cli.UploadDir, err)
		}
		return storage.NewLocalStorage(cli.StoragePath, cli.PublicRoot)
	}
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-c:
			log.LogNoRequestID("caught signal, attempting clean shutdown", "signal", s.String())
			return fmt.Errorf("caught signal=%v", s)
		case <-ctx.Done():
			return nil
		}
	}
}

func fatalf(format string, args ...any) {
	log.LogNoRequestID(fmt.Sprintf(format, args...))
	os.Exit(1)
}
