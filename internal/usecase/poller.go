package usecase

import (
	"context"
	"errors"
	"log/slog"

	"chat-relay/internal/domain"
)

const defaultPollLimit = 5

// OffsetStore keeps the next update id to request from the platform.
type OffsetStore interface {
	GetOffset(ctx context.Context) (int64, error)
	SaveOffset(ctx context.Context, next int64) error
}

// UpdateSource fetches pending updates starting at offset.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, limit int) ([]domain.Update, error)
}

// UpdateRouter processes one update.
type UpdateRouter interface {
	Route(ctx context.Context, u domain.Update) Result
}

// PollResult summarises one poll invocation.
type PollResult struct {
	FirstRun       bool     `json:"first_run"`
	Received       int      `json:"received"`
	ProcessedCount int      `json:"processed_count"`
	SkippedCount   int      `json:"skipped_count"`
	Messages       []Result `json:"messages"`
	LastOffset     int64    `json:"last_offset"`
	NewOffset      int64    `json:"new_offset"`
}

type Poller struct {
	offsets OffsetStore
	source  UpdateSource
	router  UpdateRouter
	limit   int
	log     *slog.Logger
}

func NewPoller(offsets OffsetStore, source UpdateSource, router UpdateRouter, limit int, logger *slog.Logger) (*Poller, error) {
	if offsets == nil {
		return nil, errors.New("usecase: offset store must not be nil")
	}
	if source == nil {
		return nil, errors.New("usecase: update source must not be nil")
	}
	if router == nil {
		return nil, errors.New("usecase: router must not be nil")
	}
	if limit <= 0 {
		limit = defaultPollLimit
	}
	return &Poller{offsets: offsets, source: source, router: router, limit: limit, log: orDiscard(logger)}, nil
}

// Poll fetches one batch of updates and routes them in order.
//
// With no stored offset only the newest queued update is routed; older ones
// are acknowledged without side effects.
func (p *Poller) Poll(ctx context.Context) (PollResult, error) {
	last, err := p.offsets.GetOffset(ctx)
	if err != nil {
		return PollResult{}, newError(ErrorStoreUnavailable, "offset_read_error", err)
	}
	p.log.Info("polling", "action", "polling", "outcome", "started", "last_offset", last)

	updates, err := p.source.GetUpdates(ctx, last, p.limit)
	if err != nil {
		return PollResult{}, newError(ErrorUpstreamUnavailable, "get_updates_error", err)
	}
	out := PollResult{LastOffset: last, NewOffset: last, Received: len(updates), Messages: []Result{}}

	if last == 0 {
		return p.firstRun(ctx, out, updates)
	}
	if len(updates) == 0 {
		p.log.Info("no new messages", "action", "polling", "outcome", "no_messages")
		return out, nil
	}

	maxID := last
	for _, u := range updates {
		if u.UpdateID > maxID {
			maxID = u.UpdateID
		}
		if u.UpdateID < last {
			p.log.Info("already acknowledged", "action", "polling", "outcome", "skipped", "update_id", u.UpdateID)
			out.SkippedCount++
			continue
		}
		res := p.router.Route(ctx, u)
		if res.Processed {
			out.ProcessedCount++
			out.Messages = append(out.Messages, res)
		}
	}

	out.NewOffset = maxID + 1
	if err := p.offsets.SaveOffset(ctx, out.NewOffset); err != nil {
		return out, newError(ErrorStoreUnavailable, "offset_write_error", err)
	}
	p.log.Info("batch acknowledged", "action", "polling", "outcome", "success",
		"processed", out.ProcessedCount, "next_offset", out.NewOffset)
	return out, nil
}

func (p *Poller) firstRun(ctx context.Context, out PollResult, updates []domain.Update) (PollResult, error) {
	out.FirstRun = true
	out.NewOffset = 1
	if len(updates) > 0 {
		newest := updates[0]
		for _, u := range updates[1:] {
			if u.UpdateID > newest.UpdateID {
				newest = u
			}
		}
		out.SkippedCount = len(updates) - 1
		p.log.Info("first run, skipping backlog", "action", "polling", "outcome", "skipped", "skipped_count", out.SkippedCount)

		res := p.router.Route(ctx, newest)
		if res.Processed {
			out.ProcessedCount = 1
			out.Messages = append(out.Messages, res)
		}
		out.NewOffset = newest.UpdateID + 1
	}
	if err := p.offsets.SaveOffset(ctx, out.NewOffset); err != nil {
		return out, newError(ErrorStoreUnavailable, "offset_write_error", err)
	}
	return out, nil
}
