// internal/outbox/relay.go
package outbox

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jason-s-yu/cambia-lobby/internal/database"
	"github.com/jason-s-yu/cambia-lobby/internal/errs"
	"github.com/jason-s-yu/cambia-lobby/internal/session"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
)

// Relay consumes an Outbox and applies each event to the lobby manager.
type Relay struct {
	outbox      Outbox
	lobbies     session.LobbyStatusUpdater
	log         logrus.FieldLogger
	maxAttempts int
	retryDelay  time.Duration
	maxDelay    time.Duration

	applied atomic.Int64
	retried atomic.Int64
	dropped atomic.Int64
}

type RelayOption func(*Relay)

func WithRelayLogger(l logrus.FieldLogger) RelayOption { return func(r *Relay) { r.log = l } }

// WithMaxAttempts sets how many times an event is tried before it is dropped.
func WithMaxAttempts(n int) RelayOption { return func(r *Relay) { r.maxAttempts = n } }

// WithRetryDelay sets the backoff between attempts at a failed event.
func WithRetryDelay(base, maxDelay time.Duration) RelayOption {
	return func(r *Relay) { r.retryDelay, r.maxDelay = base, maxDelay }
}

func NewRelay(o Outbox, lobbies session.LobbyStatusUpdater, opts ...RelayOption) *Relay {
	r := &Relay{
		outbox:      o,
		lobbies:     lobbies,
		log:         logrus.StandardLogger(),
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxAttempts < 1 {
		r.maxAttempts = 1
	}
	return r
}

// RelayStats are counters since construction.
type RelayStats struct {
	Applied int64
	Retried int64
	Dropped int64
}

func (r *Relay) Stats() RelayStats {
	return RelayStats{Applied: r.applied.Load(), Retried: r.retried.Load(), Dropped: r.dropped.Load()}
}

// Run consumes events until ctx is done. It returns nil on cancellation and
// the outbox error otherwise. Events are applied one at a time in queue
// order; a failing event is retried in place so later events for the same
// lobby cannot overtake it.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("lobby event relay started")
	defer r.log.Info("lobby event relay stopped")
	for ctx.Err() == nil {
		ev, err := r.outbox.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		r.handle(ctx, *ev)
	}
	return nil
}

func (r *Relay) handle(ctx context.Context, ev LobbyEvent) {
	for {
		log := r.log.WithFields(logrus.Fields{
			"event_id":   ev.ID,
			"lobby_id":   ev.LobbyID,
			"session_id": ev.SessionID,
			"status":     ev.Status,
			"attempts":   ev.Attempts,
		})

		_, err := r.lobbies.UpdateLobbyStatus(ctx, ev.LobbyID, ev.Status)
		switch {
		case err == nil:
			r.applied.Add(1)
			log.Debug("lobby event applied")
			return
		case errs.Is(err, errs.CodeInvalidTransition), errs.Is(err, errs.CodeNotFound), errs.Is(err, errs.CodeInvalidInput):
			r.dropped.Add(1)
			log.WithError(err).Warn("dropping lobby event that cannot apply")
			return
		case ev.Attempts+1 >= r.maxAttempts:
			r.dropped.Add(1)
			log.WithError(err).Error("dropping lobby event after max attempts")
			return
		}

		ev.Attempts++
		r.retried.Add(1)
		log.WithError(err).Warn("lobby event failed, retrying")

		timer := time.NewTimer(database.Backoff(ev.Attempts, r.retryDelay, r.maxDelay, 1))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			r.requeue(ctx, ev, err)
			return
		}
	}
}

// requeue returns an unfinished event to the head of the outbox on shutdown
// so the next consumer applies it before anything published after it.
func (r *Relay) requeue(ctx context.Context, ev LobbyEvent, cause error) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	log := r.log.WithFields(logrus.Fields{"event_id": ev.ID, "lobby_id": ev.LobbyID, "attempts": ev.Attempts})
	if err := r.outbox.Requeue(pubCtx, ev); err != nil {
		r.dropped.Add(1)
		log.WithError(errors.Join(cause, err)).Error("failed to return lobby event to outbox")
		return
	}
	log.Info("returned pending lobby event to outbox")
}
