package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"inffits/internal"
)

type memStore struct {
	mu     sync.Mutex
	kv     map[string]string
	fail   bool
	reads  int
	onRead func(n int)
}

func newMemStore() *memStore { return &memStore{kv: map[string]string{}} }

func (s *memStore) SetAccessToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("quota exceeded")
	}
	s.kv["inf_google_access_token"] = token
	return nil
}

func (s *memStore) AccessToken() (string, error) {
	s.mu.Lock()
	s.reads++
	n, hook := s.reads, s.onRead
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv["inf_google_access_token"], nil
}

func (s *memStore) Remove(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.kv, k)
	}
	return nil
}

type transportFunc func(ctx context.Context, msg Message) error

func (f transportFunc) Post(ctx context.Context, msg Message) error { return f(ctx, msg) }

const callbackURL = "https://shop.example.com/p/1?M&access_token=tok-1&state=xyz&scope=email#frag"

func TestScheduleDefault(t *testing.T) {
	got := Schedule(DefaultFastRetries, time.Second, 20)
	require.Len(t, got, 20)
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	require.Equal(t, []time.Duration{0, ms(300), ms(600), ms(1000), ms(1500), ms(2500), ms(3500)}, got[:7])
	require.Equal(t, ms(16500), got[19])

	require.Equal(t, []time.Duration{0, ms(300)}, Schedule(DefaultFastRetries, time.Second, 2))
}

func TestMessageCodec(t *testing.T) {
	msgs := []Message{
		LoginSuccess{AccessToken: "t", UserInfo: &internal.UserInfo{Sub: "s"}, Source: "parent_window", Timestamp: 7},
		LoginConfirmed{Timestamp: 7},
		IframeReady{Timestamp: 8},
		URLNotice{URL: "https://shop.example.com/?M"},
	}
	for _, msg := range msgs {
		blob, err := Encode(msg)
		require.NoError(t, err)
		got, err := Decode(blob)
		require.NoError(t, err)
		require.Equal(t, msg, got)
	}

	blob, err := Encode(LoginSuccess{AccessToken: "t", Timestamp: 7})
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(blob, &raw))
	require.Equal(t, "OAuth_Login_Success", raw["MsgHeader"])
	require.Equal(t, "t", raw["access_token"])

	_, err = Decode([]byte(`{"MsgHeader":"Something_Else"}`))
	require.ErrorIs(t, err, ErrUnknownMessage)
	_, err = Decode([]byte(`{}`))
	require.ErrorIs(t, err, ErrUnknownMessage)
}

func TestExtractToken(t *testing.T) {
	require.Equal(t, "tok-1", ExtractToken(callbackURL))
	require.Equal(t, "tok-h", ExtractToken("https://shop.example.com/p#access_token=tok-h&token_type=Bearer"))
	require.Equal(t, "tok-i", ExtractToken("https://shop.example.com/p?incognito_token=tok-i"))
	require.Equal(t, "", ExtractToken("https://shop.example.com/p?x=1"))
}

func TestStripOAuthParams(t *testing.T) {
	got := StripOAuthParams("https://shop.example.com/p?id=9&access_token=a&code=c&state=s&error=e&incognito_token=i&storage_foo=1#access_token=a")
	require.Equal(t, "https://shop.example.com/p?id=9", got)
	require.False(t, HasOAuthParams(got))
	require.True(t, HasOAuthParams(callbackURL))

	require.Equal(t, "https://shop.example.com/p?M&id=9&q=a+b", StripOAuthParams("https://shop.example.com/p?M&access_token=a&id=9&q=a+b"))
	require.Equal(t, "https://shop.example.com/p", StripOAuthParams("https://shop.example.com/p?access_token=a&state=s"))
}

func TestSendLoginStopsOnConfirmation(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.SetAccessToken("tok-1"))
	page := NewPage(callbackURL)

	var cleanups int32
	var parent *Parent
	sends := 0
	out := transportFunc(func(ctx context.Context, msg Message) error {
		_, ok := msg.(LoginSuccess)
		require.True(t, ok)
		sends++
		if sends == 3 {
			parent.Deliver(ctx, LoginConfirmed{})
		}
		return nil
	})
	cfg := Config{
		FastRetries: []time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond, 40 * time.Millisecond},
		Poll:        10 * time.Millisecond,
		MaxAttempts: 20,
		OnCleanup:   func(Result) { atomic.AddInt32(&cleanups, 1) },
	}
	parent = NewParent(cfg, page, out, store, "inf_google_access_token")

	res := parent.SendLogin(context.Background(), "tok-1", nil)
	require.Equal(t, OutcomeConfirmed, res.Outcome)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, 3, sends)
	require.Equal(t, int32(1), atomic.LoadInt32(&cleanups))
	require.Equal(t, "https://shop.example.com/p/1?M", page.URL())

	token, _ := store.AccessToken()
	require.Empty(t, token)

	parent.Deliver(context.Background(), LoginConfirmed{})
	require.Equal(t, int32(1), atomic.LoadInt32(&cleanups))
}

func TestSendLoginRealScheduleConfirmAt700ms(t *testing.T) {
	page := NewPage(callbackURL)
	var mu sync.Mutex
	var sentAt []time.Duration
	start := time.Now()
	out := transportFunc(func(ctx context.Context, msg Message) error {
		mu.Lock()
		sentAt = append(sentAt, time.Since(start))
		mu.Unlock()
		return nil
	})
	var cleanups int32
	cfg := DefaultConfig()
	cfg.OnCleanup = func(Result) { atomic.AddInt32(&cleanups, 1) }
	store := newMemStore()
	require.NoError(t, store.SetAccessToken("tok-1"))
	parent := NewParent(cfg, page, out, store)

	go func() {
		time.Sleep(700 * time.Millisecond)
		parent.Deliver(context.Background(), LoginConfirmed{Timestamp: 1})
	}()
	res := parent.SendLogin(context.Background(), "tok-1", nil)
	require.Equal(t, OutcomeConfirmed, res.Outcome)

	time.Sleep(500 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sentAt, 3)
	require.Less(t, sentAt[2], 700*time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&cleanups))
}

func TestSendLoginKeepsTokenInURLUntilPersisted(t *testing.T) {
	store := newMemStore()
	page := NewPage(callbackURL)
	var parent *Parent
	var sawURL []bool
	store.onRead = func(n int) {
		sawURL = append(sawURL, ExtractToken(page.URL()) == "tok-1")
		if n == 3 {
			require.NoError(t, store.SetAccessToken("tok-1"))
		}
	}

	var cleanedWith string
	out := transportFunc(func(ctx context.Context, msg Message) error {
		parent.Deliver(ctx, LoginConfirmed{})
		return nil
	})
	cfg := Config{
		FastRetries:     []time.Duration{0},
		Poll:            5 * time.Millisecond,
		MaxAttempts:     3,
		PersistInterval: time.Millisecond,
		OnCleanup:       func(Result) { cleanedWith = page.URL() },
	}
	parent = NewParent(cfg, page, out, store, "inf_google_access_token")

	res := parent.SendLogin(context.Background(), "tok-1", nil)
	require.Equal(t, OutcomeConfirmed, res.Outcome)
	require.Equal(t, []bool{true, true, true}, sawURL)
	require.Equal(t, "https://shop.example.com/p/1?M", cleanedWith)

	// Confirmed logins clear the parent's copy only after the URL is clean.
	token, _ := store.AccessToken()
	require.Empty(t, token)
}

func TestSendLoginTimesOutAndFailsOpen(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.SetAccessToken("tok-1"))
	page := NewPage(callbackURL)
	sends := 0
	out := transportFunc(func(context.Context, Message) error {
		sends++
		return nil
	})
	cfg := Config{FastRetries: []time.Duration{0, 5 * time.Millisecond}, Poll: 5 * time.Millisecond, MaxAttempts: 4}
	parent := NewParent(cfg, page, out, store, "inf_google_access_token")

	res := parent.SendLogin(context.Background(), "tok-1", nil)
	require.Equal(t, OutcomeTimedOut, res.Outcome)
	require.Equal(t, 4, sends)
	require.False(t, HasOAuthParams(page.URL()))

	token, _ := store.AccessToken()
	require.Equal(t, "tok-1", token)
}

func TestReceiverIgnoresDuplicateTimestamp(t *testing.T) {
	var confirms []int64
	ready := 0
	out := transportFunc(func(ctx context.Context, msg Message) error {
		switch m := msg.(type) {
		case LoginConfirmed:
			confirms = append(confirms, m.Timestamp)
		case IframeReady:
			ready++
		}
		return nil
	})
	persisted, firstLogins := 0, 0
	r := NewReceiver(out, LoginHandlers{
		Persist:    func(context.Context, string, *internal.UserInfo) error { persisted++; return nil },
		FirstLogin: func(context.Context, string, *internal.UserInfo) error { firstLogins++; return nil },
	})

	msg := LoginSuccess{AccessToken: "tok-1", Timestamp: 100}
	r.Deliver(context.Background(), msg)
	r.Deliver(context.Background(), msg)
	require.Equal(t, 1, persisted)
	require.Equal(t, 1, firstLogins)
	require.Equal(t, []int64{100}, confirms)
	require.Equal(t, 1, ready)

	// A retry with a fresh timestamp is acknowledged but not re-run.
	r.Deliver(context.Background(), LoginSuccess{AccessToken: "tok-1", Timestamp: 200})
	require.Equal(t, 1, firstLogins)
	require.Equal(t, []int64{100, 200}, confirms)
}

func TestReceiverForgetsOldTimestamps(t *testing.T) {
	confirms := 0
	out := transportFunc(func(ctx context.Context, msg Message) error {
		if _, ok := msg.(LoginConfirmed); ok {
			confirms++
		}
		return nil
	})
	r := NewReceiver(out, LoginHandlers{})
	for ts := int64(1); ts <= 200; ts++ {
		r.Deliver(context.Background(), LoginSuccess{AccessToken: "tok-1", Timestamp: ts})
	}
	require.Equal(t, 200, confirms)
	require.Len(t, r.processed, maxProcessedLogins)
	require.True(t, r.processed[200])
	require.False(t, r.processed[1])

	r.Deliver(context.Background(), LoginSuccess{AccessToken: "tok-1", Timestamp: 200})
	require.Equal(t, 200, confirms)
}

func TestReceiverPersistFailureIsNotConfirmed(t *testing.T) {
	confirms := 0
	out := transportFunc(func(ctx context.Context, msg Message) error {
		if _, ok := msg.(LoginConfirmed); ok {
			confirms++
		}
		return nil
	})
	calls := 0
	r := NewReceiver(out, LoginHandlers{
		Persist: func(context.Context, string, *internal.UserInfo) error {
			calls++
			if calls == 1 {
				return errors.New("disk full")
			}
			return nil
		},
	})
	r.Deliver(context.Background(), LoginSuccess{AccessToken: "tok", Timestamp: 1})
	require.Zero(t, confirms)
	r.Deliver(context.Background(), LoginSuccess{AccessToken: "tok", Timestamp: 2})
	require.Equal(t, 1, confirms)
}

func TestPipeEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	parentEnd, iframeEnd := NewPipe(0)
	defer parentEnd.Close()
	defer iframeEnd.Close()

	store := newMemStore()
	page := NewPage(callbackURL)
	parent := NewParent(DefaultConfig(), page, parentEnd, store, "inf_google_access_token")

	var gotURL atomic.Value
	var firstLogins int32
	receiver := NewReceiver(iframeEnd, LoginHandlers{
		Persist:    func(context.Context, string, *internal.UserInfo) error { return nil },
		FirstLogin: func(context.Context, string, *internal.UserInfo) error { atomic.AddInt32(&firstLogins, 1); return nil },
		PageURL:    func(u string) { gotURL.Store(u) },
	})

	go parentEnd.Listen(ctx, parent.Deliver)
	go iframeEnd.Listen(ctx, receiver.Deliver)

	require.NoError(t, parent.AnnounceURL(ctx))
	res := parent.HandleCallback(ctx, &internal.UserInfo{Sub: "s"})
	require.Equal(t, OutcomeConfirmed, res.Outcome)
	require.True(t, parent.WaitReady(ctx))
	require.Equal(t, int32(1), atomic.LoadInt32(&firstLogins))
	require.Equal(t, callbackURL, gotURL.Load())
	require.False(t, HasOAuthParams(page.URL()))
}

func TestHandleCallbackIdleWithoutToken(t *testing.T) {
	parent := NewParent(DefaultConfig(), NewPage("https://shop.example.com/p"), transportFunc(func(context.Context, Message) error {
		t.Fatal("nothing should be sent")
		return nil
	}), newMemStore())
	require.Equal(t, OutcomeIdle, parent.HandleCallback(context.Background(), nil).Outcome)
}

func TestPersistFallsBackToURL(t *testing.T) {
	store := newMemStore()
	store.fail = true
	page := NewPage("https://shop.example.com/p?access_token=tok-1")
	parent := NewParent(DefaultConfig(), page, transportFunc(func(context.Context, Message) error { return nil }), store)

	parent.Persist("tok-1", &internal.UserInfo{Sub: "s-1"})
	require.True(t, parent.TokenPersisted())
	require.Equal(t, "s-1", ExtractUserInfo(page.URL()).Sub)
}

func TestCleanupURLWaitsForPersistence(t *testing.T) {
	page := NewPage(callbackURL)
	cfg := DefaultConfig()
	cfg.PersistInterval = time.Millisecond
	parent := NewParent(cfg, page, transportFunc(func(context.Context, Message) error { return nil }), newMemStore())

	checks := 0
	saved := parent.CleanupURL(context.Background(), func() bool {
		checks++
		require.True(t, HasOAuthParams(page.URL()))
		return checks == 3
	})
	require.True(t, saved)
	require.Equal(t, 3, checks)
	require.False(t, HasOAuthParams(page.URL()))

	page.Replace(callbackURL)
	checks = 0
	saved = parent.CleanupURL(context.Background(), func() bool { checks++; return false })
	require.False(t, saved)
	require.Equal(t, 50, checks)
	require.False(t, HasOAuthParams(page.URL()))
}

func TestWaitReadyFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadyTimeout = 10 * time.Millisecond
	parent := NewParent(cfg, NewPage("https://shop.example.com"), transportFunc(func(context.Context, Message) error { return nil }), newMemStore())
	require.False(t, parent.WaitReady(context.Background()))

	parent.Deliver(context.Background(), IframeReady{})
	require.True(t, parent.WaitReady(context.Background()))
}
