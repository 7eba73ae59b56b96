package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"inffits/internal"
	"inffits/internal/account"
	"inffits/internal/auth"
	"inffits/internal/events"
	"inffits/internal/logctx"
	"inffits/internal/measure"
)

var (
	ErrBusy              = errors.New("operation already in progress")
	ErrOtherShoeNotSaved = errors.New("local shoe record of the other gender could not be uploaded")
)

type Choice int

const (
	ChoiceCancel Choice = iota
	ChoiceCloud
	ChoiceLocal
)

// Chooser asks the user which copy wins when local and cloud records disagree.
type Chooser interface {
	Choose(ctx context.Context, slot internal.Slot, local, cloud internal.MeasurementRecord) (Choice, error)
}

type ChooserFunc func(ctx context.Context, slot internal.Slot, local, cloud internal.MeasurementRecord) (Choice, error)

func (f ChooserFunc) Choose(ctx context.Context, slot internal.Slot, local, cloud internal.MeasurementRecord) (Choice, error) {
	return f(ctx, slot, local, cloud)
}

type LocalStore interface {
	LoadRecord(slot internal.Slot) (*internal.MeasurementRecord, error)
	SaveRecord(slot internal.Slot, rec internal.MeasurementRecord) error
	LoadProfile() (*internal.UserProfile, error)
	SaveProfile(profile internal.UserProfile) error
	InsertSyncRun(traceID string, slot internal.Slot, outcome internal.SyncOutcome, detail string) error
}

type AccountAPI interface {
	Retrieve(ctx context.Context, cred internal.Credential) (*account.Response, error)
	UpdateBodyData(ctx context.Context, cred internal.Credential, slot internal.Slot, rec internal.MeasurementRecord) (*account.Response, error)
}

type Tokens interface {
	CallWithRetry(ctx context.Context, user internal.UserInfo, call auth.Call) (*account.Response, error)
}

type Engine struct {
	store   LocalStore
	api     AccountAPI
	tokens  Tokens
	chooser Chooser
	bus     *events.Bus

	updating sync.Mutex

	mu       sync.Mutex
	prompted map[internal.Slot]bool
}

func NewEngine(store LocalStore, api AccountAPI, tokens Tokens, chooser Chooser, bus *events.Bus) *Engine {
	return &Engine{
		store:    store,
		api:      api,
		tokens:   tokens,
		chooser:  chooser,
		bus:      bus,
		prompted: map[internal.Slot]bool{},
	}
}

// ResetSession forgets which slots were already prompted. Called on login.
func (e *Engine) ResetSession() {
	e.mu.Lock()
	e.prompted = map[internal.Slot]bool{}
	e.mu.Unlock()
}

// FetchCloud retrieves the account snapshot and returns the record stored for slot.
// A nil response with a nil error means the session was lost.
func (e *Engine) FetchCloud(ctx context.Context, user internal.UserInfo, slot internal.Slot) (*internal.MeasurementRecord, *account.Response, error) {
	resp, err := e.tokens.CallWithRetry(ctx, user, e.api.Retrieve)
	if err != nil || resp == nil {
		return nil, resp, err
	}
	rec, ok := resp.BodyData[slot]
	if !ok {
		return nil, resp, nil
	}
	rec = measure.Normalize(rec)
	if rec.IsEmpty() {
		return nil, resp, nil
	}
	return &rec, resp, nil
}

// Sync fetches the cloud copy of slot and reconciles it with the local copy.
func (e *Engine) Sync(ctx context.Context, user internal.UserInfo, slot internal.Slot) (internal.SyncOutcome, error) {
	cloud, resp, err := e.FetchCloud(ctx, user, slot)
	if err != nil || resp == nil {
		reason := "session lost"
		if err != nil {
			reason = err.Error()
			logctx.From(ctx).Warn("cloud fetch failed", "slot", slot, "err", err)
		}
		e.record(ctx, slot, internal.OutcomeSyncFailed, reason)
		return internal.OutcomeSyncFailed, nil
	}
	e.replaceSnapshot(ctx, resp)
	return e.Reconcile(ctx, user, slot, cloud)
}

// Reconcile applies the four-branch policy for one slot. Records are never merged
// field by field: the winning copy replaces the other side whole.
func (e *Engine) Reconcile(ctx context.Context, user internal.UserInfo, slot internal.Slot, cloud *internal.MeasurementRecord) (internal.SyncOutcome, error) {
	local, err := e.localFor(slot)
	if err != nil {
		return internal.OutcomeSyncFailed, err
	}

	switch {
	case local == nil && cloud == nil:
		e.record(ctx, slot, internal.OutcomeSkipped, "no data")
		return internal.OutcomeSkipped, nil

	case local == nil:
		if err := e.keepOtherShoe(ctx, user, slot); err != nil {
			logctx.From(ctx).Warn("download refused", "slot", slot, "err", err)
			e.record(ctx, slot, internal.OutcomeSyncFailed, err.Error())
			return internal.OutcomeSyncFailed, nil
		}
		if err := e.writeLocal(slot, *cloud); err != nil {
			return internal.OutcomeSyncFailed, err
		}
		e.record(ctx, slot, internal.OutcomeDownloaded, "")
		return internal.OutcomeDownloaded, nil

	case cloud == nil:
		if !e.upload(ctx, user, slot, *local) {
			e.record(ctx, slot, internal.OutcomeSyncFailed, "upload failed")
			return internal.OutcomeSyncFailed, nil
		}
		e.record(ctx, slot, internal.OutcomeUploaded, "")
		return internal.OutcomeUploaded, nil
	}

	if measure.Equal(slot.Kind(), *local, *cloud) {
		e.record(ctx, slot, internal.OutcomeSkipped, "equal")
		return internal.OutcomeSkipped, nil
	}

	if e.chooser == nil {
		// Nobody to ask: both copies stay as they are until an interactive sync.
		e.record(ctx, slot, internal.OutcomeSkipped, "conflict left for interactive sync")
		return internal.OutcomeSkipped, nil
	}
	if !e.markPrompted(slot) {
		e.record(ctx, slot, internal.OutcomeSkipped, "already prompted this session")
		return internal.OutcomeSkipped, nil
	}

	choice, err := e.chooser.Choose(ctx, slot, *local, *cloud)
	if err != nil {
		logctx.From(ctx).Warn("conflict prompt failed", "slot", slot, "err", err)
		choice = ChoiceCancel
	}

	switch choice {
	case ChoiceCloud:
		if err := e.writeLocal(slot, *cloud); err != nil {
			return internal.OutcomeSyncFailed, err
		}
		e.record(ctx, slot, internal.OutcomeUserChoiceDownloaded, "")
		return internal.OutcomeUserChoiceDownloaded, nil
	case ChoiceLocal:
		if !e.upload(ctx, user, slot, *local) {
			e.record(ctx, slot, internal.OutcomeSyncFailed, "upload failed")
			return internal.OutcomeSyncFailed, nil
		}
		e.record(ctx, slot, internal.OutcomeUserChoiceUploaded, "")
		return internal.OutcomeUserChoiceUploaded, nil
	default:
		e.record(ctx, slot, internal.OutcomeUserCancelled, "")
		return internal.OutcomeUserCancelled, nil
	}
}

// SaveField is the entry point of the inline field editors. The value is
// validated, written locally, then uploaded. Upload failures are logged and the
// local copy stands.
func (e *Engine) SaveField(ctx context.Context, user internal.UserInfo, slot internal.Slot, field, value string) (internal.SyncOutcome, error) {
	if !e.updating.TryLock() {
		return "", ErrBusy
	}
	defer e.updating.Unlock()

	base, err := e.localFor(slot)
	if err != nil {
		return internal.OutcomeSyncFailed, err
	}
	if base == nil && slot.Kind() == internal.KindShoes {
		// The shared shoe key holds the other gender's record; start from the
		// cloud copy of this page's slot instead of overwriting with theirs.
		if cloud, _, err := e.FetchCloud(ctx, user, slot); err == nil && cloud != nil {
			base = cloud
		}
	}
	if base == nil {
		base = &internal.MeasurementRecord{}
	}

	rec, err := measure.SetField(*base, field, value)
	if err != nil {
		return "", err
	}
	if slot.Kind() == internal.KindShoes && slot.Gender() != "" {
		rec.Gender = slot.Gender()
	}
	if err := e.keepOtherShoe(ctx, user, slot); err != nil {
		e.record(ctx, slot, internal.OutcomeSyncFailed, err.Error())
		return internal.OutcomeSyncFailed, err
	}
	if err := e.writeLocal(slot, rec); err != nil {
		return internal.OutcomeSyncFailed, err
	}
	if !e.upload(ctx, user, slot, rec) {
		e.record(ctx, slot, internal.OutcomeSyncFailed, "upload failed after edit of "+field)
		return internal.OutcomeSyncFailed, nil
	}
	e.record(ctx, slot, internal.OutcomeUploaded, "edit "+field)
	return internal.OutcomeUploaded, nil
}

// localFor returns the local record that belongs to slot. A shoe record cached for
// the other gender does not count.
func (e *Engine) localFor(slot internal.Slot) (*internal.MeasurementRecord, error) {
	local, err := e.store.LoadRecord(slot)
	if err != nil {
		return nil, fmt.Errorf("load local %s: %w", slot, err)
	}
	if local != nil && slot.Kind() == internal.KindShoes && local.Gender != "" && local.Gender != slot.Gender() {
		return nil, nil
	}
	return local, nil
}

// keepOtherShoe makes sure a shoe record cached for the other gender survives
// before slot's record takes over the shared shoe key. A record the last cloud
// snapshot does not hold is uploaded to its own slot first.
func (e *Engine) keepOtherShoe(ctx context.Context, user internal.UserInfo, slot internal.Slot) error {
	if slot.Kind() != internal.KindShoes || slot.Gender() == "" {
		return nil
	}
	cached, err := e.store.LoadRecord(slot)
	if err != nil {
		return fmt.Errorf("load local %s: %w", slot, err)
	}
	if cached == nil || cached.Gender == "" || cached.Gender == slot.Gender() {
		return nil
	}
	other := internal.SlotShoesF
	if cached.Gender == "M" {
		other = internal.SlotShoesM
	}
	if profile, err := e.store.LoadProfile(); err == nil && profile != nil {
		if rec, ok := profile.BodyData[other]; ok && measure.Equal(internal.KindShoes, rec, *cached) {
			return nil
		}
	}
	if !e.upload(ctx, user, other, *cached) {
		return fmt.Errorf("%w: %s", ErrOtherShoeNotSaved, other)
	}
	e.record(ctx, other, internal.OutcomeUploaded, "saved before "+string(slot)+" took the shared shoe key")
	return nil
}

func (e *Engine) markPrompted(slot internal.Slot) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.prompted[slot] {
		return false
	}
	e.prompted[slot] = true
	return true
}

func (e *Engine) writeLocal(slot internal.Slot, rec internal.MeasurementRecord) error {
	rec = measure.Normalize(rec)
	if err := e.store.SaveRecord(slot, rec); err != nil {
		return fmt.Errorf("save local %s: %w", slot, err)
	}
	if profile, err := e.store.LoadProfile(); err == nil && profile != nil {
		if profile.BodyData == nil {
			profile.BodyData = map[internal.Slot]internal.MeasurementRecord{}
		}
		profile.BodyData[slot] = rec
		_ = e.store.SaveProfile(*profile)
	}
	e.bus.Emit(events.BodyDataUpdated, slot)
	return nil
}

func (e *Engine) upload(ctx context.Context, user internal.UserInfo, slot internal.Slot, rec internal.MeasurementRecord) bool {
	resp, err := e.tokens.CallWithRetry(ctx, user, func(ctx context.Context, cred internal.Credential) (*account.Response, error) {
		return e.api.UpdateBodyData(ctx, cred, slot, rec)
	})
	if err != nil {
		logctx.From(ctx).Warn("body data upload failed", "slot", slot, "err", err)
		return false
	}
	if resp == nil {
		logctx.From(ctx).Warn("body data upload dropped, session lost", "slot", slot)
		return false
	}
	e.replaceSnapshot(ctx, resp)
	return true
}

// replaceSnapshot swaps the cached BodyData for the server's copy.
func (e *Engine) replaceSnapshot(ctx context.Context, resp *account.Response) {
	if resp == nil || resp.BodyData == nil {
		return
	}
	profile, err := e.store.LoadProfile()
	if err != nil || profile == nil {
		return
	}
	profile.BodyData = resp.BodyData
	if resp.InfID != "" {
		profile.InfID = resp.InfID
	}
	if err := e.store.SaveProfile(*profile); err != nil {
		logctx.From(ctx).Warn("cache profile snapshot failed", "err", err)
	}
}

func (e *Engine) record(ctx context.Context, slot internal.Slot, outcome internal.SyncOutcome, detail string) {
	traceID := uuid.NewString()
	if err := e.store.InsertSyncRun(traceID, slot, outcome, detail); err != nil {
		logctx.From(ctx).Warn("record sync run failed", "err", err)
	}
	logctx.From(ctx).Info("sync pass", "trace", traceID, "slot", slot, "outcome", outcome, "detail", detail)
}
