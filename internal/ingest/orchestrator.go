// Package ingest drives the mailbox ingestion pipeline end to end:
// discover message ids, fetch raw bodies in batches, parse, rewrite
// inline content, budget, resolve threads, and persist. Every step is
// fault-isolated per message; the pipeline reports counters instead of
// failing a whole run on individual bad messages.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shubhankar-shipowl/help-desk-sub001/internal/events"
	"github.com/shubhankar-shipowl/help-desk-sub001/internal/inline"
	"github.com/shubhankar-shipowl/help-desk-sub001/internal/mailbox"
	"github.com/shubhankar-shipowl/help-desk-sub001/internal/message"
	"github.com/shubhankar-shipowl/help-desk-sub001/internal/storage"
	"github.com/shubhankar-shipowl/help-desk-sub001/internal/store"
	"github.com/shubhankar-shipowl/help-desk-sub001/internal/thread"
)

// parseWindow bounds how many raw messages are parsed concurrently.
const parseWindow = 20

// Discoverer finds the message uids a sync run should fetch.
type Discoverer interface {
	Discover(ctx context.Context, creds mailbox.Credentials, mode mailbox.SyncMode, limit int) ([]uint32, error)
}

// BodyFetcher retrieves raw message bodies for a set of uids.
type BodyFetcher interface {
	FetchAll(ctx context.Context, creds mailbox.Credentials, uids []uint32) ([]mailbox.RawMessage, mailbox.FetchStats, error)
}

// Job describes one sync run against one mailbox.
type Job struct {
	Credentials mailbox.Credentials

	// TenantID and StoreID scope every record the run produces.
	TenantID string
	StoreID  string

	Mode mailbox.SyncMode

	// Limit caps discovery in latest mode. Zero means the mode default.
	Limit int
}

// Result is the counter set one sync run reports.
type Result struct {
	// Fetched is how many messages were fetched and parsed. Bodies
	// that could not be parsed count under Errors instead.
	Fetched int

	// Stored counts messages newly inserted by this run. An insert
	// that loses a duplicate-key race counts neither here nor under
	// Errors: the other writer already stored it.
	Stored int

	// Errors counts messages that could not be processed.
	Errors int

	// AttachmentsUploaded counts stored attachment assets, inline
	// rewrites included.
	AttachmentsUploaded int
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	discovery Discoverer
	fetcher   BodyFetcher
	inline    *inline.Resolver
	uploader  *Uploader
	threads   thread.Resolver
	messages  *store.Store
	bus       *events.Bus
	logger    *slog.Logger
}

// NewOrchestrator assembles an Orchestrator from its stages. bus may
// be nil.
func NewOrchestrator(
	discovery Discoverer,
	fetcher BodyFetcher,
	blobs storage.BlobStore,
	threads thread.Resolver,
	messages *store.Store,
	bus *events.Bus,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		discovery: discovery,
		fetcher:   fetcher,
		inline:    inline.NewResolver(blobs, logger),
		uploader:  NewUploader(blobs, messages, logger),
		threads:   threads,
		messages:  messages,
		bus:       bus,
		logger:    logger,
	}
}

// Sync runs one full ingestion pass for job. The returned Result is
// valid even alongside a non-nil error: a run interrupted mid-way
// reports what it managed.
func (o *Orchestrator) Sync(ctx context.Context, job Job) (Result, error) {
	var res Result

	if err := job.Credentials.Validate(); err != nil {
		return res, fmt.Errorf("invalid mailbox credentials: %w", err)
	}
	if _, ok := mailbox.ValidMode(string(job.Mode)); !ok {
		return res, fmt.Errorf("invalid sync mode %q", job.Mode)
	}

	started := time.Now()
	o.bus.Publish(events.Event{
		Timestamp: started, Source: events.SourceSync, Kind: events.KindSyncStart,
		Data: map[string]any{"tenant_id": job.TenantID, "store_id": job.StoreID, "mode": string(job.Mode)},
	})

	uids, err := o.discovery.Discover(ctx, job.Credentials, job.Mode, job.Limit)
	if err != nil {
		return res, fmt.Errorf("discover messages: %w", err)
	}
	if len(uids) == 0 {
		o.publishComplete(job, res, started)
		return res, nil
	}

	raws, stats, fetchErr := o.fetcher.FetchAll(ctx, job.Credentials, uids)
	if stats.FailedBatches > 0 {
		o.logger.Warn("some batches were dropped",
			"failed", stats.FailedBatches, "total", stats.Batches)
	}

	parsed := o.parseAll(raws, &res)
	res.Fetched = len(parsed)
	o.process(ctx, job, parsed, &res)

	o.publishComplete(job, res, started)

	if fetchErr != nil {
		return res, fmt.Errorf("fetch interrupted: %w", fetchErr)
	}
	return res, nil
}

// parseAll parses raw bodies with bounded concurrency, preserving
// fetch order. Unparseable messages are counted and dropped.
func (o *Orchestrator) parseAll(raws []mailbox.RawMessage, res *Result) []*message.Parsed {
	out := make([]*message.Parsed, len(raws))
	errs := make([]error, len(raws))

	var wg sync.WaitGroup
	sem := make(chan struct{}, parseWindow)
	for i := range raws {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			out[i], errs[i] = message.Parse(raws[i].Data, i+1)
		}(i)
	}
	wg.Wait()

	parsed := make([]*message.Parsed, 0, len(raws))
	for i, p := range out {
		if errs[i] != nil {
			res.Errors++
			o.logger.Warn("unparseable message dropped", "uid", raws[i].UID, "error", errs[i])
			continue
		}
		parsed = append(parsed, p)
	}
	return parsed
}

// process classifies each parsed message as new, reprocess, or skip,
// and runs the matching path.
func (o *Orchestrator) process(ctx context.Context, job Job, parsed []*message.Parsed, res *Result) {
	ids := make([]string, 0, len(parsed))
	for _, p := range parsed {
		ids = append(ids, p.MessageID)
	}

	existing, err := o.messages.ExistingByMessageID(ctx, job.TenantID, job.StoreID, ids)
	if err != nil {
		// Without classification every message would double-store;
		// degrade to inserting and letting the unique index arbitrate.
		o.logger.Warn("classification lookup failed, relying on unique index", "error", err)
		existing = map[string]*store.Message{}
	}

	for _, p := range parsed {
		if err := ctx.Err(); err != nil {
			return
		}

		prior, known := existing[p.MessageID]
		switch {
		case !known:
			o.storeNew(ctx, job, p, res)
		case needsReprocessing(prior.HTMLContent):
			o.reprocess(ctx, prior, p, res)
		default:
			o.logger.Debug("message already stored, skipping", "message_id", p.MessageID)
		}
	}
}

// storeNew runs the full new-message path: inline rewrite, budgeting,
// thread resolution, insert, attachment uploads.
func (o *Orchestrator) storeNew(ctx context.Context, job Job, p *message.Parsed, res *Result) {
	m := &store.Message{
		MessageID:      p.MessageID,
		TenantID:       job.TenantID,
		StoreID:        job.StoreID,
		FromEmail:      p.From.Email,
		FromName:       p.From.Name,
		To:             p.To,
		Subject:        p.Subject,
		RawHeaders:     p.RawHeaders,
		HasAttachments: p.HasAttachments(),
		Processed:      true,
		CreatedAt:      p.Date,
	}

	// The record id doubles as the blob owner scope, so it is fixed
	// before any upload happens.
	rewritten := o.inline.Rewrite(ctx, p.HTMLContent, m.EnsureID(), p.InlineParts)

	// Budgeting runs after the rewrite so durable URLs, not base64
	// payloads, are what the budget sees.
	m.TextContent = TruncateContent(p.TextContent, ContentByteLimit)
	m.HTMLContent = TruncateContent(rewritten.HTML, ContentByteLimit)

	threadID, err := o.threads.Resolve(ctx, thread.Hints{
		TenantID:    job.TenantID,
		StoreID:     job.StoreID,
		MessageID:   p.MessageID,
		InReplyTo:   p.InReplyTo,
		References:  p.References,
		Subject:     p.Subject,
		Participant: p.From.Email,
	})
	if err != nil {
		// A message without a thread is still worth keeping.
		o.logger.Warn("thread resolution failed", "message_id", p.MessageID, "error", err)
	}
	m.ThreadID = threadID
	if len(rewritten.Uploads) > 0 {
		m.HasAttachments = true
	}

	if err := o.messages.Create(ctx, m); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// A concurrent writer won the insert race. The message
			// exists, so there is nothing left to store and nothing to
			// report as failed.
			o.logger.Debug("insert lost duplicate race, message already stored", "message_id", p.MessageID)
			return
		}
		res.Errors++
		o.logger.Error("message insert failed", "message_id", p.MessageID, "error", err)
		return
	}
	res.Stored++

	for _, up := range rewritten.Uploads {
		err := o.messages.CreateAttachment(ctx, &store.Attachment{
			MessageID: m.ID,
			Filename:  up.Filename,
			MimeType:  up.MimeType,
			Size:      up.Size,
			URL:       up.URL,
			Handle:    up.Handle,
		})
		if err != nil {
			o.logger.Warn("inline attachment row insert failed",
				"message", m.ID, "filename", up.Filename, "error", err)
			continue
		}
		res.AttachmentsUploaded++
	}
	res.AttachmentsUploaded += o.uploader.UploadAll(ctx, m.ID, p.Attachments)

	o.bus.Publish(events.Event{
		Timestamp: time.Now(), Source: events.SourceSync, Kind: events.KindMessageStored,
		Data: map[string]any{"message_id": p.MessageID, "thread_id": m.ThreadID},
	})
}

// reprocess repairs an existing row whose stored HTML still carries
// embedded content from an earlier, incomplete ingestion: rewrite with
// the freshly fetched inline parts and patch the row in place.
func (o *Orchestrator) reprocess(ctx context.Context, prior *store.Message, p *message.Parsed, res *Result) {
	rewritten := o.inline.Rewrite(ctx, prior.HTMLContent, prior.ID, p.InlineParts)
	if rewritten.HTML == prior.HTMLContent && len(rewritten.Uploads) == 0 {
		o.logger.Debug("reprocessing changed nothing", "message_id", prior.MessageID)
		return
	}

	prior.HTMLContent = TruncateContent(rewritten.HTML, ContentByteLimit)
	prior.Processed = true
	if len(rewritten.Uploads) > 0 {
		prior.HasAttachments = true
	}

	if err := o.messages.UpdateContent(ctx, prior); err != nil {
		res.Errors++
		o.logger.Error("reprocessing update failed", "message_id", prior.MessageID, "error", err)
		return
	}

	for _, up := range rewritten.Uploads {
		err := o.messages.CreateAttachment(ctx, &store.Attachment{
			MessageID: prior.ID,
			Filename:  up.Filename,
			MimeType:  up.MimeType,
			Size:      up.Size,
			URL:       up.URL,
			Handle:    up.Handle,
		})
		if err != nil {
			o.logger.Warn("inline attachment row insert failed",
				"message", prior.ID, "filename", up.Filename, "error", err)
			continue
		}
		res.AttachmentsUploaded++
	}

	o.logger.Info("message reprocessed", "message_id", prior.MessageID,
		"uploads", len(rewritten.Uploads))
}

func (o *Orchestrator) publishComplete(job Job, res Result, started time.Time) {
	o.logger.Info("sync complete",
		"tenant_id", job.TenantID, "store_id", job.StoreID,
		"fetched", res.Fetched, "stored", res.Stored,
		"errors", res.Errors, "attachments_uploaded", res.AttachmentsUploaded,
		"elapsed", time.Since(started).Round(time.Millisecond))

	o.bus.Publish(events.Event{
		Timestamp: time.Now(), Source: events.SourceSync, Kind: events.KindSyncComplete,
		Data: map[string]any{
			"tenant_id": job.TenantID, "store_id": job.StoreID,
			"fetched": res.Fetched, "stored": res.Stored, "errors": res.Errors,
			"attachments_uploaded": res.AttachmentsUploaded,
			"elapsed_ms":           time.Since(started).Milliseconds(),
		},
	})
}

// needsReprocessing reports whether stored HTML still carries embedded
// content that rewriting never replaced. HTML holding a durable URL is
// considered done even if stray markers remain.
func needsReprocessing(html string) bool {
	if html == "" {
		return false
	}
	lower := strings.ToLower(html)
	if strings.Contains(lower, storage.URLPathPrefix) {
		return false
	}
	return strings.Contains(lower, "data:image") ||
		strings.Contains(lower, "data:video") ||
		strings.Contains(lower, "cid:")
}
