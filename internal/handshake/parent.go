package handshake

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"inffits/internal"
	"inffits/internal/logctx"
)

var DefaultFastRetries = []time.Duration{
	0,
	300 * time.Millisecond,
	600 * time.Millisecond,
	1000 * time.Millisecond,
	1500 * time.Millisecond,
}

type Config struct {
	FastRetries     []time.Duration
	Poll            time.Duration
	MaxAttempts     int
	ReadyTimeout    time.Duration
	PersistInterval time.Duration
	PersistAttempts int
	// OnCleanup runs once, after the URL has been cleaned.
	OnCleanup func(Result)
}

func DefaultConfig() Config {
	return Config{
		FastRetries:     DefaultFastRetries,
		Poll:            time.Second,
		MaxAttempts:     20,
		ReadyTimeout:    15 * time.Second,
		PersistInterval: 100 * time.Millisecond,
		PersistAttempts: 50,
	}
}

// Schedule returns the send offsets from the first attempt: the fast retries,
// then one every poll, maxAttempts in total.
func Schedule(fast []time.Duration, poll time.Duration, maxAttempts int) []time.Duration {
	out := make([]time.Duration, 0, maxAttempts)
	for _, d := range fast {
		if len(out) == maxAttempts {
			return out
		}
		out = append(out, d)
	}
	last := time.Duration(0)
	if len(out) > 0 {
		last = out[len(out)-1]
	}
	for len(out) < maxAttempts {
		last += poll
		out = append(out, last)
	}
	return out
}

type Outcome string

const (
	OutcomeIdle      Outcome = "idle"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeTimedOut  Outcome = "timed_out"
)

type Result struct {
	Outcome  Outcome
	Attempts int
}

// SessionStore is the parent page's own storage.
type SessionStore interface {
	SetAccessToken(token string) error
	AccessToken() (string, error)
	Remove(keys ...string) error
}

// Parent is the hosting page's side of the relay.
type Parent struct {
	cfg   Config
	page  *Page
	out   Transport
	store SessionStore
	keys  []string

	confirmOnce sync.Once
	confirmed   chan struct{}
	readyOnce   sync.Once
	ready       chan struct{}
	cleanupOnce sync.Once
}

// NewParent wires the relay. sessionKeys are removed from the parent's store once
// the iframe confirms it holds the token.
func NewParent(cfg Config, page *Page, out Transport, store SessionStore, sessionKeys ...string) *Parent {
	def := DefaultConfig()
	if cfg.FastRetries == nil {
		cfg.FastRetries = def.FastRetries
	}
	if cfg.Poll <= 0 {
		cfg.Poll = def.Poll
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = def.PersistInterval
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = def.PersistAttempts
	}
	return &Parent{
		cfg:       cfg,
		page:      page,
		out:       out,
		store:     store,
		keys:      sessionKeys,
		confirmed: make(chan struct{}),
		ready:     make(chan struct{}),
	}
}

// Deliver is the parent's message listener.
func (p *Parent) Deliver(ctx context.Context, msg Message) {
	switch m := msg.(type) {
	case LoginConfirmed:
		logctx.From(ctx).Info("iframe confirmed login", "timestamp", m.Timestamp)
		p.confirmOnce.Do(func() { close(p.confirmed) })
	case IframeReady:
		logctx.From(ctx).Info("iframe ready", "timestamp", m.Timestamp)
		p.readyOnce.Do(func() { close(p.ready) })
	case LoginSuccess, URLNotice:
		// addressed to the iframe
	}
}

// Persist saves the token in the parent's storage. When storage refuses the
// write, the token is kept in the URL instead.
func (p *Parent) Persist(token string, user *internal.UserInfo) {
	if err := p.store.SetAccessToken(token); err == nil {
		return
	}
	p.page.SetParam(ParamIncognitoToken, token)
	if user != nil {
		if blob, err := json.Marshal(user); err == nil {
			p.page.SetParam(ParamIncognitoUserInfo, string(blob))
		}
	}
}

func (p *Parent) AnnounceURL(ctx context.Context) error {
	return p.out.Post(ctx, URLNotice{URL: p.page.URL()})
}

// HandleCallback relays an OAuth result found in the page URL to the iframe.
func (p *Parent) HandleCallback(ctx context.Context, user *internal.UserInfo) Result {
	token := ExtractToken(p.page.URL())
	if token == "" {
		return Result{Outcome: OutcomeIdle}
	}
	if user == nil {
		user = ExtractUserInfo(p.page.URL())
	}
	p.Persist(token, user)
	return p.SendLogin(ctx, token, user)
}

// SendLogin posts LoginSuccess on the retry schedule until the iframe confirms or
// the attempt budget runs out. Either way the URL is cleaned exactly once, after
// the token has been persisted or the persistence checks run out.
func (p *Parent) SendLogin(ctx context.Context, token string, user *internal.UserInfo) Result {
	log := logctx.From(ctx)
	schedule := Schedule(p.cfg.FastRetries, p.cfg.Poll, p.cfg.MaxAttempts)
	start := time.Now()
	attempts := 0

	for _, offset := range schedule {
		if wait := time.Until(start.Add(offset)); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-p.confirmed:
				timer.Stop()
				return p.finish(ctx, Result{Outcome: OutcomeConfirmed, Attempts: attempts})
			case <-ctx.Done():
				timer.Stop()
				return p.finish(ctx, Result{Outcome: OutcomeTimedOut, Attempts: attempts})
			case <-timer.C:
			}
		}
		select {
		case <-p.confirmed:
			return p.finish(ctx, Result{Outcome: OutcomeConfirmed, Attempts: attempts})
		default:
		}

		attempts++
		if attempts == 1 || attempts%5 == 0 {
			log.Info("sending login to iframe", "attempt", attempts)
		}
		msg := LoginSuccess{AccessToken: token, UserInfo: user, Source: "parent_window", Timestamp: time.Now().UnixMilli()}
		if err := p.out.Post(ctx, msg); err != nil {
			log.Warn("post login failed", "attempt", attempts, "err", err)
		}
	}

	timer := time.NewTimer(p.cfg.Poll)
	defer timer.Stop()
	select {
	case <-p.confirmed:
		return p.finish(ctx, Result{Outcome: OutcomeConfirmed, Attempts: attempts})
	case <-ctx.Done():
	case <-timer.C:
	}
	log.Warn("no login confirmation from iframe", "attempts", attempts)
	return p.finish(ctx, Result{Outcome: OutcomeTimedOut, Attempts: attempts})
}

func (p *Parent) finish(ctx context.Context, res Result) Result {
	p.cleanupOnce.Do(func() {
		// The URL may hold the only copy of the token until storage has it.
		p.CleanupURL(ctx, p.TokenPersisted)
		if res.Outcome == OutcomeConfirmed && len(p.keys) > 0 {
			if err := p.store.Remove(p.keys...); err != nil {
				logctx.From(ctx).Warn("clear parent session failed", "err", err)
			}
		}
		if p.cfg.OnCleanup != nil {
			p.cfg.OnCleanup(res)
		}
	})
	return res
}

// CleanupURL strips the OAuth parameters once persisted reports the token is
// durably saved, or after the check budget runs out.
func (p *Parent) CleanupURL(ctx context.Context, persisted func() bool) bool {
	saved := true
	if HasOAuthParams(p.page.URL()) {
		saved = WaitFor(ctx, p.cfg.PersistInterval, p.cfg.PersistAttempts, persisted)
		if !saved {
			logctx.From(ctx).Warn("token not persisted in time, clearing url anyway")
		}
	}
	p.page.Replace(StripOAuthParams(p.page.URL()))
	return saved
}

// WaitReady blocks until the iframe reports ready or the fallback timeout fires.
func (p *Parent) WaitReady(ctx context.Context) bool {
	timer := time.NewTimer(p.cfg.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-p.ready:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// TokenPersisted reports whether the token is saved in the parent's storage or,
// when storage is unusable, in the URL fallback parameter.
func (p *Parent) TokenPersisted() bool {
	if token, err := p.store.AccessToken(); err == nil && token != "" {
		return true
	}
	u, err := url.Parse(p.page.URL())
	return err == nil && u.Query().Get(ParamIncognitoToken) != ""
}
