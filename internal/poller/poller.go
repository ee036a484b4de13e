// Package poller drives the pull adapter: on a fixed interval it refreshes
// tenant bindings, polls upstream for pending events with each tenant's
// credentials, hands them to the ingest pipeline, and acknowledges receipt.
package poller

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"prato.app/ingest/common/logger"
	"prato.app/ingest/internal/evidence"
	"prato.app/ingest/internal/ingest"
	"prato.app/ingest/internal/model"
	"prato.app/ingest/internal/normalize"
	"prato.app/ingest/internal/resolver"
)

// EventSource is the upstream surface the poller needs. Satisfied by
// *upstream.Client.
type EventSource interface {
	PollEvents(ctx context.Context, creds model.Credentials, merchantIDs []string) ([]json.RawMessage, error)
	AcknowledgeEvents(ctx context.Context, creds model.Credentials, eventIDs []string) error
}

// Ingestor is the pipeline surface the poller needs.
type Ingestor interface {
	IngestPolled(ctx context.Context, binding model.TenantBinding, raws []json.RawMessage) ingest.BatchResult
}

type Poller struct {
	source   EventSource
	resolver *resolver.Resolver
	ingestor Ingestor
	recorder *evidence.Recorder
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

type Options struct {
	Source   EventSource
	Resolver *resolver.Resolver
	Ingestor Ingestor
	Recorder *evidence.Recorder
	Interval time.Duration
	Logger   *slog.Logger
}

func New(opts Options) *Poller {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		source:   opts.Source,
		resolver: opts.Resolver,
		ingestor: opts.Ingestor,
		recorder: opts.Recorder,
		interval: interval,
		logger:   log,
	}
}

// Start launches the polling loop. The first cycle runs immediately.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.cycle(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.cycle(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight cycle to finish.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *Poller) cycle(ctx context.Context) {
	session := uuid.NewString()
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		EventSource: logger.Ptr("poller"),
		Component:   "poller",
	})

	if err := p.resolver.Refresh(ctx); err != nil {
		p.logger.ErrorContext(ctx, "binding refresh failed", "error", err, "session", session)
		return
	}

	for _, binding := range p.resolver.Bindings() {
		if ctx.Err() != nil {
			return
		}
		p.pollTenant(ctx, session, binding)
	}
}

func (p *Poller) pollTenant(ctx context.Context, session string, binding model.TenantBinding) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{TenantID: logger.Ptr(binding.TenantID)})

	raws, err := p.source.PollEvents(ctx, binding.Credentials, binding.MerchantIDs)
	if err != nil {
		p.logger.ErrorContext(ctx, "event poll failed", "error", err, "session", session)
		if p.recorder != nil {
			p.recorder.Record(evidence.KindPoll, binding.TenantID, map[string]any{
				"session": session,
				"error":   err.Error(),
			})
		}
		return
	}

	batch := p.ingestor.IngestPolled(ctx, binding, raws)

	if p.recorder != nil {
		p.recorder.Record(evidence.KindPoll, binding.TenantID, map[string]any{
			"session":   session,
			"events":    len(raws),
			"processed": batch.Processed,
			"unmatched": batch.UnmatchedEvents,
		})
	}

	p.logger.InfoContext(ctx, "poll cycle completed",
		"session", session,
		"events", len(raws),
		"processed", batch.Processed,
		"deduplicated", batch.Deduplicated,
	)

	p.acknowledge(ctx, session, binding, raws)
}

// acknowledge confirms receipt upstream. Failures only get logged: events not
// acknowledged are redelivered on the next poll and deduplicate cleanly.
func (p *Poller) acknowledge(ctx context.Context, session string, binding model.TenantBinding, raws []json.RawMessage) {
	ids := make([]string, 0, len(raws))
	for _, raw := range raws {
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			continue
		}
		if id := normalize.EventID(obj); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}

	if err := p.source.AcknowledgeEvents(ctx, binding.Credentials, ids); err != nil {
		p.logger.WarnContext(ctx, "event acknowledgment failed", "error", err, "session", session)
		return
	}

	if p.recorder != nil {
		p.recorder.Record(evidence.KindAck, binding.TenantID, map[string]any{
			"session": session,
			"acked":   len(ids),
		})
	}
}
