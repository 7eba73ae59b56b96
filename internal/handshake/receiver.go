package handshake

import (
	"context"
	"sync"
	"time"

	"inffits/internal"
	"inffits/internal/logctx"
)

// maxProcessedLogins bounds the set of relayed timestamps remembered for dedupe.
// Retries arrive in timestamp order, so the oldest entries are dropped first.
const maxProcessedLogins = 32

// LoginHandlers are the iframe's reactions to a relayed login. Persist must be
// quick: the parent keeps retrying until it is acknowledged. FirstLogin runs the
// data reconciliation afterwards.
type LoginHandlers struct {
	Persist    func(ctx context.Context, token string, user *internal.UserInfo) error
	FirstLogin func(ctx context.Context, token string, user *internal.UserInfo) error
	// PageURL is told the hosting page's address.
	PageURL func(url string)
}

// Receiver is the iframe's side of the relay.
type Receiver struct {
	out      Transport
	handlers LoginHandlers

	mu        sync.Mutex
	processed map[int64]bool
	lastToken string
}

func NewReceiver(out Transport, handlers LoginHandlers) *Receiver {
	return &Receiver{out: out, handlers: handlers, processed: map[int64]bool{}}
}

func (r *Receiver) Deliver(ctx context.Context, msg Message) {
	switch m := msg.(type) {
	case LoginSuccess:
		r.handleLogin(ctx, m)
	case URLNotice:
		if r.handlers.PageURL != nil {
			r.handlers.PageURL(m.URL)
		}
	case LoginConfirmed, IframeReady:
		// addressed to the parent
	}
}

func (r *Receiver) handleLogin(ctx context.Context, m LoginSuccess) {
	log := logctx.From(ctx)

	r.mu.Lock()
	if r.processed[m.Timestamp] {
		r.mu.Unlock()
		return
	}
	r.processed[m.Timestamp] = true
	if len(r.processed) > maxProcessedLogins {
		oldest := m.Timestamp
		for ts := range r.processed {
			oldest = min(oldest, ts)
		}
		delete(r.processed, oldest)
	}
	repeat := m.AccessToken == r.lastToken
	r.lastToken = m.AccessToken
	r.mu.Unlock()

	// A retry of a login already handled only needs acknowledging again.
	if repeat {
		r.confirm(ctx, m.Timestamp)
		return
	}

	if r.handlers.Persist != nil {
		if err := r.handlers.Persist(ctx, m.AccessToken, m.UserInfo); err != nil {
			log.Warn("persist relayed login failed", "err", err)
			r.mu.Lock()
			r.lastToken = ""
			r.mu.Unlock()
			return
		}
	}
	r.confirm(ctx, m.Timestamp)

	if r.handlers.FirstLogin != nil {
		if err := r.handlers.FirstLogin(ctx, m.AccessToken, m.UserInfo); err != nil {
			log.Warn("first login flow failed", "err", err)
		}
	}
	if err := r.out.Post(ctx, IframeReady{Timestamp: time.Now().UnixMilli()}); err != nil {
		log.Warn("post iframe ready failed", "err", err)
	}
}

func (r *Receiver) confirm(ctx context.Context, ts int64) {
	if err := r.out.Post(ctx, LoginConfirmed{Timestamp: ts}); err != nil {
		logctx.From(ctx).Warn("post login confirmation failed", "err", err)
	}
}
