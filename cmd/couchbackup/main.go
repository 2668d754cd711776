// Command couchbackup drives a full- or shallow-mode backup of a single
// CouchDB/Cloudant database to a local file or stdout. It is the CLI
// collaborator around the backup core: flag parsing, option validation,
// file lifecycle, and exit-code selection are deliberately kept here
// rather than in the core (see the package's scope notes).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/IBM/couchbackup-sub000/internal/backup"
	"github.com/IBM/couchbackup-sub000/internal/backupfmt"
	"github.com/IBM/couchbackup-sub000/internal/cberrors"
	"github.com/IBM/couchbackup-sub000/internal/config"
	"github.com/IBM/couchbackup-sub000/internal/couchclient"
	"github.com/IBM/couchbackup-sub000/internal/distlock"
	"github.com/IBM/couchbackup-sub000/internal/logutil"
	"github.com/IBM/couchbackup-sub000/internal/progressapi"
)

const toolVersion = "1.0.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("couchbackup", flag.ContinueOnError)
	dbURL := fs.String("url", "", "database URL (required)")
	output := fs.String("output", "", "output file path (default: stdout)")
	configPath := fs.String("config", "", "path to a YAML config file")
	logPath := fs.String("log", "", "log file path (required for resume)")
	resume := fs.Bool("resume", false, "resume a previously interrupted backup")
	mode := fs.String("mode", "", "backup mode: full or shallow")
	parallelism := fs.Int("parallelism", 0, "number of concurrent bulk operations")
	bufferSize := fs.Int("buffer-size", 0, "documents per batch")
	requestTimeout := fs.Int("request-timeout", 0, "per-request timeout in milliseconds")
	iamAPIKey := fs.String("iam-api-key", "", "IBM Cloud IAM API key")
	iamTokenURL := fs.String("iam-token-url", "", "IAM token exchange URL")
	quiet := fs.Bool("quiet", false, "suppress progress output")
	attachments := fs.Bool("attachments", false, "pass through attachments (experimental)")
	progressAddr := fs.String("progress-addr", "", "optional address to serve progress over HTTP, e.g. :8080")
	lockRedisURL := fs.String("lock-redis-url", "", "optional Redis URL guarding concurrent resume of the same log")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "couchbackup:", err)
		return 2
	}
	applyBackupFlagOverrides(&cfg, *mode, *parallelism, *bufferSize, *requestTimeout, *iamAPIKey, *iamTokenURL, *quiet, *attachments)
	if *logPath != "" {
		cfg.Log = *logPath
	}
	*logPath = cfg.Log

	if err := config.Validate(cfg, *dbURL, *resume); err != nil {
		return reportAndExit(err)
	}

	if cfg.Log == "" {
		tmp, err := os.CreateTemp("", "couchbackup-*.log")
		if err != nil {
			fmt.Fprintln(os.Stderr, "couchbackup: creating temporary log file:", err)
			return 1
		}
		tmp.Close()
		cfg.Log = tmp.Name()
		*logPath = cfg.Log
	} else if !*resume {
		if _, statErr := os.Stat(cfg.Log); statErr == nil {
			return reportAndExit(cberrors.NewLogFileExists(cfg.Log))
		}
	}

	runID := uuid.NewString()
	logutil.Info("starting backup", "run_id", runID, "mode", cfg.Mode, "url", logutil.StripCredentials(*dbURL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandler(cancel)

	if *lockRedisURL != "" {
		unlock, err := acquireRunLock(ctx, *lockRedisURL, *dbURL, *logPath)
		if err != nil {
			return reportAndExit(err)
		}
		defer unlock()
	}

	var tracker *progressapi.Tracker
	if *progressAddr != "" {
		tracker = progressapi.NewTracker()
		srv := &http.Server{Addr: *progressAddr, Handler: progressapi.NewRouter(tracker)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logutil.Error("progress server stopped", "error", err.Error())
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	client, err := couchclient.New(couchclient.Options{
		DatabaseURL:    *dbURL,
		RequestTimeout: cfg.RequestTimeoutDuration(),
		Parallelism:    cfg.Parallelism,
		IAMAPIKey:      cfg.IAMAPIKey,
		IAMTokenURL:    cfg.IAMTokenURL,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "couchbackup:", err)
		return 2
	}

	target, closeTarget, err := openTarget(*output, *resume)
	if err != nil {
		fmt.Fprintln(os.Stderr, "couchbackup:", err)
		return 1
	}
	defer closeTarget()

	if err := writeFirstLine(target, *resume, cfg.Mode, cfg.Attachments); err != nil {
		fmt.Fprintln(os.Stderr, "couchbackup:", err)
		return 1
	}

	sink := backup.Quiet()
	if !cfg.Quiet {
		sink = progressSink(tracker)
	}

	opts := backup.Options{
		Parallelism: cfg.Parallelism,
		BufferSize:  cfg.BufferSize,
		Mode:        cfg.Mode,
		Resume:      *resume,
		LogPath:     *logPath,
		Attachments: cfg.Attachments,
		ToolName:    "couchbackup-sub000",
		ToolVersion: toolVersion,
	}

	result, err := backup.Run(ctx, client, target, opts, sink)
	if err != nil {
		if tracker != nil {
			tracker.Fail(err)
		}
		return reportAndExit(err)
	}

	logutil.Info("backup finished", "run_id", runID, "total", result.Total)
	return 0
}

func applyBackupFlagOverrides(cfg *config.Config, mode string, parallelism, bufferSize, requestTimeout int, iamAPIKey, iamTokenURL string, quiet, attachments bool) {
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if parallelism > 0 {
		cfg.Parallelism = parallelism
	}
	if bufferSize > 0 {
		cfg.BufferSize = bufferSize
	}
	if requestTimeout > 0 {
		cfg.RequestTimeout = requestTimeout
	}
	if iamAPIKey != "" {
		cfg.IAMAPIKey = iamAPIKey
	}
	if iamTokenURL != "" {
		cfg.IAMTokenURL = iamTokenURL
	}
	if quiet {
		cfg.Quiet = true
	}
	if attachments {
		cfg.Attachments = true
	}
}

func openTarget(path string, resume bool) (*os.File, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	flags := os.O_CREATE | os.O_WRONLY
	if resume {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening output file: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func writeFirstLine(target *os.File, resume bool, mode config.Mode, attachments bool) error {
	var line []byte
	var err error
	if resume {
		line, err = backupfmt.EncodeResumeMarker()
	} else {
		line, err = backupfmt.EncodeHeader(backupfmt.Header{
			Name:        "couchbackup-sub000",
			Version:     toolVersion,
			Mode:        string(mode),
			Attachments: attachments,
		})
	}
	if err != nil {
		return err
	}
	_, err = target.Write(append(line, '\n'))
	return err
}

func progressSink(tracker *progressapi.Tracker) backup.Sink {
	return backup.Sink{
		OnChanges: func(batch uint32) {
			if tracker != nil {
				tracker.SetPhase("spooling")
			}
			fmt.Fprintf(os.Stderr, "batch %d spooled\n", batch)
		},
		OnWritten: func(batch uint32, total int64, elapsed time.Duration) {
			if tracker != nil {
				tracker.SetPhase("downloading")
				tracker.Update(batch, total)
			}
			fmt.Fprintf(os.Stderr, "batch %d written, %d docs so far (%s)\n", batch, total, elapsed.Round(time.Millisecond))
		},
		OnFinished: func(total int64) {
			if tracker != nil {
				tracker.SetPhase("finished")
				tracker.Update(0, total)
			}
			fmt.Fprintf(os.Stderr, "finished: %d documents\n", total)
		},
	}
}

func acquireRunLock(ctx context.Context, redisURL, dbURL, logPath string) (func(), error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing lock-redis-url: %w", err)
	}
	client := redis.NewClient(opt)
	lock := distlock.NewRedisLock(client, distlock.Key(dbURL, logPath), 10*time.Minute)

	ok, err := lock.Acquire(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}
	if !ok {
		client.Close()
		return nil, fmt.Errorf("another process already holds the run lock for this database/log")
	}
	return func() {
		lock.Release(context.Background())
		client.Close()
	}, nil
}

func installSignalHandler(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logutil.Warn("received interrupt, cancelling in-flight work")
		cancel()
	}()
}

func reportAndExit(err error) int {
	var cbErr *cberrors.CouchBackupError
	if errors.As(err, &cbErr) {
		fmt.Fprintln(os.Stderr, "couchbackup:", cbErr.Error())
		return cbErr.ExitCode()
	}
	fmt.Fprintln(os.Stderr, "couchbackup:", err)
	return 1
}
