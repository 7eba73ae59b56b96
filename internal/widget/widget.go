package widget

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"inffits/internal"
	"inffits/internal/account"
	"inffits/internal/auth"
	"inffits/internal/events"
	"inffits/internal/handshake"
	"inffits/internal/logctx"
	"inffits/internal/measure"
	"inffits/internal/reconcile"
	"inffits/internal/slot"
)

var (
	ErrBusy        = reconcile.ErrBusy
	ErrNotLoggedIn = errors.New("not logged in")
)

type Store interface {
	reconcile.LocalStore
	auth.TokenStore
	RemoveRecord(slot internal.Slot) error
	ChestUnit() (measure.ChestUnit, error)
	SetChestUnit(unit measure.ChestUnit) error
}

type AccountAPI interface {
	reconcile.AccountAPI
	auth.RefreshAPI
	DeleteBodyData(ctx context.Context, cred internal.Credential, slot internal.Slot) (*account.Response, error)
	DeleteUser(ctx context.Context, cred internal.Credential) (*account.Response, error)
}

// Confirm asks the user before a destructive call. Returning false cancels it.
type Confirm func(ctx context.Context, prompt string) bool

type Options struct {
	PageURL string
	Hints   slot.Hints
	Chooser reconcile.Chooser
	Confirm Confirm
}

// Widget is one embedded login widget instance. All state, including the
// in-flight guards, is scoped to the instance.
type Widget struct {
	store   Store
	api     AccountAPI
	bus     *events.Bus
	tokens  *auth.TokenManager
	engine  *reconcile.Engine
	confirm Confirm
	hints   slot.Hints
	ops     inFlight

	mu         sync.Mutex
	pageURL    string
	profile    *internal.UserProfile
	firstLogin bool
	receiver   *handshake.Receiver
}

func New(store Store, api AccountAPI, bus *events.Bus, opts Options) *Widget {
	if bus == nil {
		bus = events.NewBus()
	}
	tokens := auth.NewTokenManager(store, api, bus)
	w := &Widget{
		store:   store,
		api:     api,
		bus:     bus,
		tokens:  tokens,
		engine:  reconcile.NewEngine(store, api, tokens, opts.Chooser, bus),
		confirm: opts.Confirm,
		hints:   opts.Hints,
		pageURL: opts.PageURL,
		ops:     inFlight{active: map[operation]bool{}},
	}
	bus.Subscribe(events.TokenRefreshFailed, func(events.Event) {
		w.mu.Lock()
		w.profile = nil
		w.mu.Unlock()
	})
	return w
}

func (w *Widget) Tokens() *auth.TokenManager { return w.tokens }

func (w *Widget) Engine() *reconcile.Engine { return w.engine }

// Init restores a persisted session. It returns nil when nobody is logged in.
func (w *Widget) Init(ctx context.Context) (*internal.UserProfile, error) {
	if w.tokens.AccessToken() == "" {
		return nil, nil
	}
	profile, err := w.store.LoadProfile()
	if err != nil {
		return nil, fmt.Errorf("restore session: %w", err)
	}
	if profile == nil {
		return nil, nil
	}
	w.mu.Lock()
	w.profile = profile
	w.mu.Unlock()
	logctx.From(ctx).Info("session restored", "sub", profile.SubjectID())
	return profile, nil
}

func (w *Widget) Profile() *internal.UserProfile {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.profile == nil {
		return nil
	}
	p := *w.profile
	return &p
}

func (w *Widget) SetPageURL(rawURL string) {
	w.mu.Lock()
	w.pageURL = rawURL
	w.mu.Unlock()
}

// PageSlot resolves the measurement slot the hosting page is about.
func (w *Widget) PageSlot() (internal.Slot, error) {
	w.mu.Lock()
	u := w.pageURL
	w.mu.Unlock()
	return slot.Resolve(u, w.hints)
}

// Persist stores the token and the user's identity. A cached profile of the same
// user keeps its body data.
func (w *Widget) Persist(ctx context.Context, token string, user *internal.UserInfo) error {
	if token == "" {
		return errors.New("persist login: empty access token")
	}
	if user == nil || user.SubjectID() == "" {
		return errors.New("persist login: missing user info")
	}
	if err := w.tokens.SetAccessToken(token); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}

	profile := internal.UserProfile{UserInfo: *user}
	prev, err := w.store.LoadProfile()
	if err != nil {
		logctx.From(ctx).Warn("cached profile unreadable", "err", err)
	}
	first := prev == nil || prev.SubjectID() != user.SubjectID()
	if !first {
		profile.BodyData = prev.BodyData
		profile.InfID = prev.InfID
	}
	if err := w.store.SaveProfile(profile); err != nil {
		return fmt.Errorf("persist profile: %w", err)
	}

	w.mu.Lock()
	w.profile = &profile
	w.firstLogin = first
	w.mu.Unlock()
	return nil
}

// CompleteLogin runs the post-login reconciliation for the page's slot and
// announces the login.
func (w *Widget) CompleteLogin(ctx context.Context, token string, user *internal.UserInfo) error {
	w.mu.Lock()
	profile := w.profile
	first := w.firstLogin
	w.firstLogin = false
	w.mu.Unlock()
	if profile == nil {
		return ErrNotLoggedIn
	}

	if first {
		w.bus.Emit(events.FirstLogin, profile.UserInfo)
	}
	w.engine.ResetSession()

	pageSlot, err := w.PageSlot()
	if err != nil {
		logctx.From(ctx).Warn("page slot unresolved, defaulting", "err", err)
		pageSlot = internal.SlotBodyF
	}
	outcome, err := w.engine.Sync(ctx, profile.UserInfo, pageSlot)
	if err != nil {
		w.fail(ctx, "sync", err)
	}
	logctx.From(ctx).Info("login reconciled", "slot", pageSlot, "outcome", outcome)

	profile = w.reloadProfile()
	if profile == nil {
		// refresh failed during sync, the session is gone
		return nil
	}
	w.bus.Emit(events.LoginSuccess, profile.UserInfo)
	w.bus.Emit(events.Login, profile.UserInfo)
	return nil
}

// Login persists a fresh login and reconciles the page slot.
func (w *Widget) Login(ctx context.Context, token string, user *internal.UserInfo) error {
	if err := w.Persist(ctx, token, user); err != nil {
		w.fail(ctx, "login", err)
		return err
	}
	return w.CompleteLogin(ctx, token, user)
}

// ConnectRelay wires the iframe side of the login relay. Replies go out through out.
func (w *Widget) ConnectRelay(out handshake.Transport) *handshake.Receiver {
	r := handshake.NewReceiver(out, handshake.LoginHandlers{
		Persist:    w.Persist,
		FirstLogin: w.CompleteLogin,
		PageURL:    w.SetPageURL,
	})
	w.mu.Lock()
	w.receiver = r
	w.mu.Unlock()
	return r
}

// HandleMessage is the iframe's message listener.
func (w *Widget) HandleMessage(ctx context.Context, msg handshake.Message) {
	w.mu.Lock()
	r := w.receiver
	w.mu.Unlock()
	if r == nil {
		logctx.From(ctx).Debug("relay not connected, dropping message")
		return
	}
	r.Deliver(ctx, msg)
}

// SaveField edits one measurement field of the page's slot.
func (w *Widget) SaveField(ctx context.Context, field, value string) (internal.SyncOutcome, error) {
	profile := w.Profile()
	if profile == nil {
		return "", ErrNotLoggedIn
	}
	done, err := w.ops.begin(opUpdateBodyData)
	if err != nil {
		return "", err
	}
	defer done()

	pageSlot, err := w.PageSlot()
	if err != nil {
		return "", err
	}
	outcome, err := w.engine.SaveField(ctx, profile.UserInfo, pageSlot, field, value)
	if err != nil && !errors.Is(err, ErrBusy) {
		w.fail(ctx, "save_field", err)
	}
	if err == nil && field == measure.FieldChest {
		w.rememberChestUnit(ctx, value)
	}
	w.reloadProfile()
	return outcome, err
}

// ChestUnit is the input mode the chest editor opens in: the remembered
// preference, else the shape of the page slot's current chest value, else cup.
func (w *Widget) ChestUnit() measure.ChestUnit {
	if unit, err := w.store.ChestUnit(); err == nil && unit != "" {
		return unit
	}
	if profile := w.Profile(); profile != nil {
		if pageSlot, err := w.PageSlot(); err == nil {
			if chest, err := measure.ParseCC(profile.BodyData[pageSlot].CC); err == nil && chest.Unit() != "" {
				return chest.Unit()
			}
		}
	}
	return measure.ChestUnitCup
}

func (w *Widget) rememberChestUnit(ctx context.Context, cc string) {
	chest, err := measure.ParseCC(cc)
	if err != nil || chest.Unit() == "" {
		return
	}
	if err := w.store.SetChestUnit(chest.Unit()); err != nil {
		logctx.From(ctx).Warn("save chest unit failed", "err", err)
	}
}

func (w *Widget) Logout(ctx context.Context) error {
	if err := w.store.ClearSession(); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	w.engine.ResetSession()
	w.mu.Lock()
	w.profile = nil
	w.mu.Unlock()
	w.bus.Emit(events.Logout, nil)
	logctx.From(ctx).Info("logged out")
	return nil
}

// DeleteBodyData removes one slot's record from the account after the user
// confirms. It reports whether the delete went through.
func (w *Widget) DeleteBodyData(ctx context.Context, target internal.Slot) (bool, error) {
	profile := w.Profile()
	if profile == nil {
		return false, ErrNotLoggedIn
	}
	done, err := w.ops.begin(opUpdateBodyData)
	if err != nil {
		return false, err
	}
	defer done()

	if !w.ask(ctx, "delete "+string(target)+" measurements") {
		return false, nil
	}

	resp, err := w.tokens.CallWithRetry(ctx, profile.UserInfo, func(ctx context.Context, cred internal.Credential) (*account.Response, error) {
		return w.api.DeleteBodyData(ctx, cred, target)
	})
	if err != nil {
		w.fail(ctx, "delete_bodydata", err)
		return false, err
	}
	if resp == nil {
		return false, ErrNotLoggedIn
	}

	local, err := w.store.LoadRecord(target)
	if err == nil && local != nil && (target.Kind() != internal.KindShoes || local.Gender == "" || local.Gender == target.Gender()) {
		if err := w.store.RemoveRecord(target); err != nil {
			logctx.From(ctx).Warn("remove local record failed", "slot", target, "err", err)
		}
	}
	if cached, _ := w.store.LoadProfile(); cached != nil {
		delete(cached.BodyData, target)
		if resp.BodyData != nil {
			cached.BodyData = resp.BodyData
		}
		if err := w.store.SaveProfile(*cached); err != nil {
			logctx.From(ctx).Warn("cache profile failed", "err", err)
		}
	}
	w.reloadProfile()
	w.bus.Emit(events.BodyDataUpdated, target)
	return true, nil
}

// DeleteAccount deletes the user on the server after the user confirms, then
// clears every local trace of the session.
func (w *Widget) DeleteAccount(ctx context.Context) (bool, error) {
	profile := w.Profile()
	if profile == nil {
		return false, ErrNotLoggedIn
	}
	done, err := w.ops.begin(opDeleteUser)
	if err != nil {
		return false, err
	}
	defer done()

	if !w.ask(ctx, "delete account "+profile.Email) {
		return false, nil
	}

	resp, err := w.tokens.CallWithRetry(ctx, profile.UserInfo, func(ctx context.Context, cred internal.Credential) (*account.Response, error) {
		return w.api.DeleteUser(ctx, cred)
	})
	if err != nil {
		w.fail(ctx, "delete_user", err)
		return false, err
	}
	if resp == nil {
		return false, ErrNotLoggedIn
	}

	for _, s := range []internal.Slot{internal.SlotBodyF, internal.SlotBodyM, internal.SlotShoesF} {
		if err := w.store.RemoveRecord(s); err != nil {
			logctx.From(ctx).Warn("remove local record failed", "slot", s, "err", err)
		}
	}
	w.bus.Emit(events.DeleteAccount, profile.UserInfo)
	if err := w.Logout(ctx); err != nil {
		return true, err
	}
	return true, nil
}

func (w *Widget) ask(ctx context.Context, prompt string) bool {
	if w.confirm == nil {
		return false
	}
	return w.confirm(ctx, prompt)
}

func (w *Widget) reloadProfile() *internal.UserProfile {
	profile, err := w.store.LoadProfile()
	if err != nil {
		return nil
	}
	w.mu.Lock()
	w.profile = profile
	w.mu.Unlock()
	return profile
}

func (w *Widget) fail(ctx context.Context, op string, err error) {
	logctx.From(ctx).Warn("widget operation failed", "op", op, "err", err)
	w.bus.Emit(events.Error, map[string]string{"op": op, "error": err.Error()})
}
