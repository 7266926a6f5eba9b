// storagectl is an operator CLI for the media storage subsystem.
//
// It reads the same environment as the server and talks to PostgreSQL
// and the configured backends directly.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/tubocms/mediastore/internal/auth"
	"github.com/tubocms/mediastore/internal/config"
	"github.com/tubocms/mediastore/internal/logging"
	"github.com/tubocms/mediastore/internal/metadata/postgres"
	"github.com/tubocms/mediastore/internal/migration"
	"github.com/tubocms/mediastore/internal/signedurl"
	"github.com/tubocms/mediastore/internal/stats"
	"github.com/tubocms/mediastore/internal/storage"
	"github.com/tubocms/mediastore/internal/storage/backends"
)

type env struct {
	cfg   *config.Config
	store *postgres.Store
	mgr   *storage.Manager
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	if len(argv) == 0 {
		printUsage()
		return 1
	}
	cmd, args := argv[0], argv[1:]
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 1
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: "console"}); err != nil {
		fmt.Fprintf(os.Stderr, "Logging error: %v\n", err)
		return 1
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// token and verify never touch the database
	switch cmd {
	case "token":
		return cmdToken(cfg, args)
	case "verify":
		return cmdVerify(cfg, args)
	}

	e, err := connect(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer e.close()

	switch cmd {
	case "migrate":
		return cmdMigrate(ctx, e, args)
	case "stats":
		return cmdStats(ctx, e)
	case "sign":
		return cmdSign(ctx, e, args)
	case "test-connection":
		return cmdTestConnection(ctx, e, args)
	}
	fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
	printUsage()
	return 1
}

func printUsage() {
	fmt.Println(`mediastore storage CLI

Usage: storagectl <command> [flags]

Commands:
  migrate -from <id|local> -to <id|local> [-workers n] [-limit n]
                            Move files between storages and print the report
  stats                     Show per-storage usage and quota warnings
  sign -file <id> [-ttl d]  Print a signed URL for a video file
  verify <url>              Check a signed URL against SIGNED_URL_SECRET
  test-connection -storage <id>
                            Connect to a storage and report latency
  token -user <name> [-admin] [-ttl d]
                            Issue an API token signed with JWT_SECRET
  help                      Show this help message

Examples:
  storagectl migrate -from local -to 3 -limit 100
  storagectl sign -file 42 -ttl 15m
  storagectl test-connection -storage 3`)
}

func connect(cfg *config.Config) (*env, error) {
	store, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	signer, err := signedurl.NewSigner(cfg.SignedURLSecret)
	if err != nil {
		store.Close()
		return nil, err
	}
	mgr := storage.NewManager(backends.Registry(), store.Storages(), storage.Options{
		Files:            store.VideoFiles(),
		Signer:           signer,
		MediaRoot:        cfg.MediaRoot,
		TempDir:          cfg.TempDir,
		QuotaCacheTTL:    cfg.QuotaCacheTTL,
		OperationTimeout: cfg.OperationTimeout,
		VerifyUploads:    true,
	})
	return &env{cfg: cfg, store: store, mgr: mgr}, nil
}

func (e *env) close() {
	e.mgr.Close()
	e.store.Close()
}

// parseStorageRef parses a storage id, or "local" for the local tree.
func parseStorageRef(v string) (*int, error) {
	if v == "" || v == "local" {
		return nil, nil
	}
	id, err := strconv.Atoi(v)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid storage %q", v)
	}
	return &id, nil
}

func cmdMigrate(ctx context.Context, e *env, args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	from := fs.String("from", "local", "Source storage id or 'local'")
	to := fs.String("to", "", "Destination storage id or 'local'")
	workers := fs.Int("workers", e.cfg.MigrationWorkers, "Concurrent file migrations")
	limit := fs.Int("limit", 0, "Maximum files to migrate (0 = all)")
	fs.Parse(args)

	srcID, err := parseStorageRef(*from)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	destID, err := parseStorageRef(*to)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if srcID == nil && destID == nil {
		fmt.Fprintln(os.Stderr, "Error: source and destination are both local")
		return 1
	}
	if srcID != nil && destID != nil && *srcID == *destID {
		fmt.Fprintln(os.Stderr, "Error: source and destination are the same storage")
		return 1
	}

	b := migration.Batch{SourceName: "local", DestinationName: "local"}
	if srcID != nil {
		src, err := e.mgr.StorageByID(ctx, *srcID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		b.SourceName = src.Label()
	}
	if destID != nil {
		dest, err := e.mgr.StorageByID(ctx, *destID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if !dest.IsEnabled {
			fmt.Fprintf(os.Stderr, "Error: storage %s is disabled\n", dest.Label())
			return 1
		}
		b.Destination = dest
		b.DestinationName = dest.Label()
	}

	if b.Files, err = e.store.VideoFiles().ListByStorage(ctx, srcID, *limit); err != nil {
		fmt.Fprintf(os.Stderr, "Error listing files: %v\n", err)
		return 1
	}

	reports := migration.NewReportService(migration.ReportOptions{
		TTL:        e.cfg.ReportTTL,
		MaxEntries: e.cfg.ReportMaxEntries,
	})
	runner := migration.NewRunner(e.mgr, reports, *workers)
	defer runner.Stop()

	logging.Info("migration starting",
		zap.String("source", b.SourceName),
		zap.String("destination", b.DestinationName),
		zap.Int("files", len(b.Files)))

	sum, err := runner.Run(ctx, b)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	printSummary(sum)

	switch {
	case !sum.IsComplete:
		return 130
	case sum.HasFailures:
		return 2
	}
	return 0
}

func printSummary(sum *migration.Summary) {
	fmt.Println("Migration Report")
	fmt.Println("----------------")
	fmt.Printf("ID:           %s\n", sum.ID)
	fmt.Printf("Route:        %s -> %s\n", sum.SourceName, sum.DestinationName)
	fmt.Printf("Status:       %s\n", sum.Status)
	fmt.Printf("Files:        %d\n", sum.TotalFiles)
	fmt.Printf("Succeeded:    %d\n", sum.SuccessCount)
	fmt.Printf("Failed:       %d\n", sum.FailureCount)
	fmt.Printf("Progress:     %.1f%%\n", sum.ProgressPercent)
	if sum.CompletedAt != nil {
		fmt.Printf("Duration:     %s\n", sum.CompletedAt.Sub(sum.StartedAt).Round(time.Millisecond))
	}

	if !sum.HasFailures {
		return
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILE ID\tERROR")
	fmt.Fprintln(w, "-------\t-----")
	for _, f := range sum.Failures {
		fmt.Fprintf(w, "%d\t%s\n", f.FileID, f.Error)
	}
	w.Flush()
}

func cmdStats(ctx context.Context, e *env) int {
	svc := stats.NewService(e.store.VideoFiles(), e.store.Storages(), e.mgr)
	rep, err := svc.Report(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tKIND\tFILES\tSIZE\tUSED\tAVAILABLE\tSTATUS")
	fmt.Fprintln(w, "--\t----\t----\t-----\t----\t----\t---------\t------")
	for _, r := range rep.Storages {
		id := "-"
		if r.StorageID != nil {
			id = strconv.Itoa(*r.StorageID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			id, r.Name, r.Kind, r.FileCount, r.TotalSize,
			orDash(r.UsedSize), orDash(r.AvailableSize), status(r))
	}
	w.Flush()

	if len(rep.Warnings) > 0 {
		fmt.Printf("\n%d storage(s) above the usage warning threshold\n", len(rep.Warnings))
	}
	return 0
}

func status(r stats.StorageReport) string {
	switch {
	case !r.IsEnabled:
		return "disabled"
	case r.Live != nil && !r.Live.Healthy:
		return "unreachable"
	case r.Warning:
		return "warning"
	}
	return "ok"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func cmdSign(ctx context.Context, e *env, args []string) int {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	fileID := fs.Int64("file", 0, "Video file id")
	ttl := fs.Duration("ttl", e.cfg.SignedURLTTL, "URL lifetime")
	fs.Parse(args)

	if *fileID <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: storagectl sign -file <id> [-ttl 1h]")
		return 1
	}

	f, err := e.store.VideoFiles().Get(ctx, *fileID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	signed, err := e.mgr.SignedFileURL(ctx, f, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(signed)
	return 0
}

func cmdVerify(cfg *config.Config, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: storagectl verify <url>")
		return 1
	}
	signer, err := signedurl.NewSigner(cfg.SignedURLSecret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	su, err := signedurl.ParseSignedURL(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid: %v\n", err)
		return 1
	}
	if !signer.VerifySignedURL(su.Path, su.Expires, su.Signature, su.StorageID) {
		fmt.Println("Invalid signature or expired")
		return 1
	}
	fmt.Printf("Valid until %s\n", su.ExpiresAt().Format(time.RFC3339))
	return 0
}

func cmdTestConnection(ctx context.Context, e *env, args []string) int {
	fs := flag.NewFlagSet("test-connection", flag.ExitOnError)
	id := fs.Int("storage", 0, "Storage id")
	fs.Parse(args)

	if *id <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: storagectl test-connection -storage <id>")
		return 1
	}

	st, err := e.mgr.StorageByID(ctx, *id)
	if errors.Is(err, storage.ErrStorageNotFound) {
		fmt.Fprintf(os.Stderr, "Storage %d not found\n", *id)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var res storage.ConnectionTestResult
	if a, err := e.mgr.Adapter(ctx, st); err != nil {
		res = storage.ConnectionFailed(err)
	} else {
		res = a.TestConnection(ctx)
	}

	if !res.Success {
		fmt.Printf("%s: FAILED: %s\n", st.Label(), res.Error)
		return 1
	}
	fmt.Printf("%s: OK (%s)", st.Label(), res.Latency.Round(time.Millisecond))
	if res.ServerInfo != "" {
		fmt.Printf(" %s", res.ServerInfo)
	}
	fmt.Println()
	return 0
}

func cmdToken(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "Username")
	admin := fs.Bool("admin", false, "Grant admin access")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	fs.Parse(args)

	if *user == "" {
		fmt.Fprintln(os.Stderr, "Usage: storagectl token -user <name> [-admin] [-ttl 24h]")
		return 1
	}

	token, exp, err := auth.New(cfg.JWTSecret).IssueToken(*user, *admin, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
	return 0
}
