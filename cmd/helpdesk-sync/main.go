// Helpdesk-sync ingests support mailboxes into the helpdesk message
// store.
//
// It discovers candidate messages over IMAP, fetches them in bounded
// batches, parses and rewrites their content, and persists them with
// thread resolution and attachment storage. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	helpdesk-sync sync             Run one ingestion pass and exit
//	helpdesk-sync poll             Ingest continuously on an interval
//	helpdesk-sync version          Print version and build information
//	helpdesk-sync -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shubhankar-shipowl/help-desk-sub001/internal/buildinfo"
	"github.com/shubhankar-shipowl/help-desk-sub001/internal/config"
	"github.com/shubhankar-shipowl/help-desk-sub001/internal/events"
	"github.com/shubhankar-shipowl/help-desk-sub001/internal/ingest"
	"github.com/shubhankar-shipowl/help-desk-sub001/internal/mailbox"
	"github.com/shubhankar-shipowl/help-desk-sub001/internal/storage"
	"github.com/shubhankar-shipowl/help-desk-sub001/internal/store"
	"github.com/shubhankar-shipowl/help-desk-sub001/internal/thread"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the helpdesk-sync command. All
// OS-level dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of in-flight syncs.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:]. We parse these manually rather than using
//     the flag package to avoid global state that interferes with
//     parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var modeOverride string
	var limitOverride int
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-mode" && i+1 < len(args):
			modeOverride = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-mode="):
			modeOverride = strings.TrimPrefix(args[i], "-mode=")
		case args[i] == "-limit" && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n < 0 {
				return fmt.Errorf("invalid -limit value: %s", args[i+1])
			}
			limitOverride = n
			i++
		case strings.HasPrefix(args[i], "-limit="):
			n, err := strconv.Atoi(strings.TrimPrefix(args[i], "-limit="))
			if err != nil || n < 0 {
				return fmt.Errorf("invalid -limit value: %s", args[i])
			}
			limitOverride = n
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "sync":
		return runSync(ctx, stdout, configPath, modeOverride, limitOverride)
	case "poll":
		return runPoll(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "helpdesk-sync - Support mailbox ingestion")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: helpdesk-sync [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  sync         Run one ingestion pass over all configured mailboxes")
	fmt.Fprintln(w, "  poll         Ingest continuously on the configured interval")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -mode <mode>      Override sync mode: unread, latest, recent")
	fmt.Fprintln(w, "  -limit <n>        Cap discovery in latest mode (0 = mode default)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/helpdesk-sync/config.yaml, /etc/helpdesk-sync/config.yaml")
	return nil
}

// pipeline holds the assembled ingestion components shared by the sync
// and poll commands.
type pipeline struct {
	cfg      *config.Config
	orch     *ingest.Orchestrator
	messages *store.Store
	creds    *config.CredentialCache
	bus      *events.Bus
	logger   *slog.Logger
}

func (p *pipeline) close() {
	_ = p.messages.Close()
}

// buildPipeline loads configuration and assembles the full ingestion
// stack: SQLite message store, shared-database thread resolver,
// filesystem blob store, and IMAP-backed discovery and fetching.
func buildPipeline(stdout io.Writer, configPath string) (*pipeline, error) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{Level: level}))
	logger.Info("starting", "version", buildinfo.Version, "config", cfgPath,
		"mailboxes", len(cfg.Mailboxes))

	messages, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open message store %s: %w", cfg.Database.Path, err)
	}

	threads, err := thread.NewSQLResolver(messages.DB(), logger)
	if err != nil {
		messages.Close()
		return nil, fmt.Errorf("open thread resolver: %w", err)
	}

	blobs, err := storage.NewFileStore(cfg.Storage.Dir, cfg.Storage.BaseURL, logger)
	if err != nil {
		messages.Close()
		return nil, fmt.Errorf("open blob store %s: %w", cfg.Storage.Dir, err)
	}

	// Long-running pollers resolve credentials through the cache so a
	// scope hit by an auth failure can be invalidated and re-seeded
	// without restarting.
	creds := config.NewCredentialCache()
	for _, mb := range cfg.Mailboxes {
		creds.Put(mb.TenantID, mb.StoreID, mb.Credentials())
	}

	bus := events.New()
	dial := mailbox.DialSession(logger)
	orch := ingest.NewOrchestrator(
		mailbox.NewDiscovery(dial, logger),
		mailbox.NewFetcher(dial, bus, logger),
		blobs,
		threads,
		messages,
		bus,
		logger,
	)

	return &pipeline{cfg: cfg, orch: orch, messages: messages, creds: creds, bus: bus, logger: logger}, nil
}

// jobs converts the configured mailboxes into sync jobs, applying
// optional mode and limit overrides on top of the configured values.
// Credentials come from the cache; a mailbox whose scope has been
// invalidated is skipped until re-seeded.
func (p *pipeline) jobs(modeOverride string, limitOverride int) ([]ingest.Job, error) {
	modeStr := p.cfg.Sync.Mode
	if modeOverride != "" {
		modeStr = modeOverride
	}
	mode, ok := mailbox.ValidMode(modeStr)
	if !ok {
		return nil, fmt.Errorf("unknown sync mode: %q (valid: unread, latest, recent)", modeStr)
	}
	limit := p.cfg.Sync.Limit
	if limitOverride > 0 {
		limit = limitOverride
	}

	out := make([]ingest.Job, 0, len(p.cfg.Mailboxes))
	for _, mb := range p.cfg.Mailboxes {
		creds, ok := p.creds.Get(mb.TenantID, mb.StoreID)
		if !ok {
			p.logger.Warn("mailbox credentials invalidated, skipping",
				"tenant_id", mb.TenantID, "store_id", mb.StoreID)
			continue
		}
		out = append(out, ingest.Job{
			Credentials: creds,
			TenantID:    mb.TenantID,
			StoreID:     mb.StoreID,
			Mode:        mode,
			Limit:       limit,
		})
	}
	return out, nil
}

// runSync handles the "helpdesk-sync sync" subcommand: one ingestion
// pass over every configured mailbox, then exit. Mailboxes are
// independent; a failure in one does not stop the others, but any
// failure yields a non-zero exit.
func runSync(ctx context.Context, stdout io.Writer, configPath, modeOverride string, limitOverride int) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p, err := buildPipeline(stdout, configPath)
	if err != nil {
		return err
	}
	defer p.close()

	jobs, err := p.jobs(modeOverride, limitOverride)
	if err != nil {
		return err
	}

	var failures int
	var total ingest.Result
	for _, job := range jobs {
		res, err := p.orch.Sync(ctx, job)
		total.Fetched += res.Fetched
		total.Stored += res.Stored
		total.Errors += res.Errors
		total.AttachmentsUploaded += res.AttachmentsUploaded

		if err != nil {
			failures++
			var authErr *mailbox.AuthError
			if errors.As(err, &authErr) {
				p.creds.Invalidate(job.TenantID, job.StoreID)
				p.logger.Error("mailbox authentication failed, check credentials",
					"tenant_id", job.TenantID, "username", authErr.Username)
			} else {
				p.logger.Error("mailbox sync failed",
					"tenant_id", job.TenantID, "store_id", job.StoreID, "error", err)
			}
		}
	}

	fmt.Fprintf(stdout, "fetched %d, stored %d, errors %d, attachments %d\n",
		total.Fetched, total.Stored, total.Errors, total.AttachmentsUploaded)

	if failures > 0 {
		return fmt.Errorf("%d of %d mailboxes failed", failures, len(jobs))
	}
	return nil
}

// runPoll handles the "helpdesk-sync poll" subcommand: recurring
// recent-mode ingestion until SIGINT/SIGTERM.
func runPoll(ctx context.Context, stdout io.Writer, configPath string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p, err := buildPipeline(stdout, configPath)
	if err != nil {
		return err
	}
	defer p.close()

	jobs, err := p.jobs(string(mailbox.ModeRecent), 0)
	if err != nil {
		return err
	}

	interval := time.Duration(p.cfg.Sync.PollIntervalSec) * time.Second
	poller := ingest.NewPoller(p.orch, jobs, interval, p.bus, p.logger)
	poller.Run(ctx)

	p.logger.Info("stopped")
	return nil
}
