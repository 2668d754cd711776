// Command couchrestore replays a backup file produced by couchbackup
// into a new, empty CouchDB/Cloudant database. Like couchbackup, the CLI
// shell (flags, target precondition checks, exit codes) lives here; the
// restore algorithm itself lives in internal/restore.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/IBM/couchbackup-sub000/internal/cberrors"
	"github.com/IBM/couchbackup-sub000/internal/config"
	"github.com/IBM/couchbackup-sub000/internal/couchclient"
	"github.com/IBM/couchbackup-sub000/internal/logutil"
	"github.com/IBM/couchbackup-sub000/internal/restore"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("couchrestore", flag.ContinueOnError)
	dbURL := fs.String("url", "", "target database URL (required)")
	input := fs.String("input", "", "input backup file path (default: stdin)")
	configPath := fs.String("config", "", "path to a YAML config file")
	parallelism := fs.Int("parallelism", 0, "number of concurrent bulk operations")
	requestTimeout := fs.Int("request-timeout", 0, "per-request timeout in milliseconds")
	iamAPIKey := fs.String("iam-api-key", "", "IBM Cloud IAM API key")
	iamTokenURL := fs.String("iam-token-url", "", "IAM token exchange URL")
	quiet := fs.Bool("quiet", false, "suppress progress output")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "couchrestore:", err)
		return 2
	}
	if parallelism != nil && *parallelism > 0 {
		cfg.Parallelism = *parallelism
	}
	if requestTimeout != nil && *requestTimeout > 0 {
		cfg.RequestTimeout = *requestTimeout
	}
	if *iamAPIKey != "" {
		cfg.IAMAPIKey = *iamAPIKey
	}
	if *iamTokenURL != "" {
		cfg.IAMTokenURL = *iamTokenURL
	}
	if *quiet {
		cfg.Quiet = true
	}

	if err := config.Validate(cfg, *dbURL, false); err != nil {
		return reportAndExit(err)
	}

	runID := uuid.NewString()
	logutil.Info("starting restore", "run_id", runID, "url", logutil.StripCredentials(*dbURL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandler(cancel)

	client, err := couchclient.New(couchclient.Options{
		DatabaseURL:    *dbURL,
		RequestTimeout: cfg.RequestTimeoutDuration(),
		Parallelism:    cfg.Parallelism,
		IAMAPIKey:      cfg.IAMAPIKey,
		IAMTokenURL:    cfg.IAMTokenURL,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "couchrestore:", err)
		return 2
	}

	if err := verifyTarget(ctx, client, *dbURL); err != nil {
		return reportAndExit(err)
	}

	source, closeSource, err := openSource(*input)
	if err != nil {
		fmt.Fprintln(os.Stderr, "couchrestore:", err)
		return 1
	}
	defer closeSource()

	sink := restore.Quiet()
	if !cfg.Quiet {
		sink = progressSink()
	}

	result, err := restore.Run(ctx, client, source, restore.Options{Parallelism: cfg.Parallelism}, sink)
	if err != nil {
		return reportAndExit(err)
	}

	logutil.Info("restore finished", "run_id", runID, "total", result.Total)
	return 0
}

func verifyTarget(ctx context.Context, client couchclient.Client, dbURL string) error {
	if err := client.HeadDatabase(ctx); err != nil {
		return err
	}

	name := config.DatabaseName(dbURL)
	if strings.HasPrefix(name, "_") {
		return nil
	}

	info, err := client.GetDatabaseInformation(ctx)
	if err != nil {
		return err
	}
	if info.DocCount != 0 || info.DocDelCount != 0 {
		return cberrors.NewDatabaseNotEmpty(logutil.StripCredentials(dbURL))
	}
	return nil
}

func openSource(path string) (*os.File, func(), error) {
	if path == "" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening input file: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func progressSink() restore.Sink {
	return restore.Sink{
		OnRestored: func(batch uint32, documents int, total int64, elapsed time.Duration) {
			fmt.Fprintf(os.Stderr, "batch %d restored, %d docs (%d total, %s)\n", batch, documents, total, elapsed.Round(time.Millisecond))
		},
		OnFinished: func(total int64) {
			fmt.Fprintf(os.Stderr, "finished: %d documents restored\n", total)
		},
	}
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
		fmt.Fprintln(os.Stderr, "couchrestore:", cbErr.Error())
		return cbErr.ExitCode()
	}
	fmt.Fprintln(os.Stderr, "couchrestore:", err)
	return 1
}
