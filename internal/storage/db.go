package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"inffits/internal"
	"inffits/internal/measure"
)

const (
	KeyAccessToken = "inf_google_access_token"
	KeyUserInfo    = "inf_google_user_info"
	KeyInfID       = "inf_google_inf_id"
	KeyBodyF       = "BodyID_size"
	KeyBodyM       = "BodyMID_size"
	KeyShoes       = "BodyID_Foot_size"
	KeyChestUnit   = "chest_measurement_unit"
)

var ErrUnavailable = errors.New("storage unavailable")

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS kv (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sync_runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  traceId TEXT NOT NULL,
  slot TEXT NOT NULL,
  outcome TEXT NOT NULL,
  detail TEXT NOT NULL DEFAULT '',
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sync_runs_slot ON sync_runs(slot);

CREATE TABLE IF NOT EXISTS metadata (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

	_, err := d.conn.Exec(schema)
	return err
}

func (d *DB) Get(key string) (*string, error) {
	var value string
	err := d.conn.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	return &value, nil
}

func (d *DB) Set(key, value string) error {
	_, err := d.conn.Exec(`
INSERT INTO kv (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updatedAt = CURRENT_TIMESTAMP
`, key, value)
	if err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (d *DB) Remove(keys ...string) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, key := range keys {
		if _, err := tx.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("%w: remove %s: %v", ErrUnavailable, key, err)
		}
	}
	return tx.Commit()
}

// Available probes a write and a delete, the only reliable signal that storage works.
func (d *DB) Available() bool {
	const probe = "__storage_probe__"
	if err := d.Set(probe, "1"); err != nil {
		return false
	}
	return d.Remove(probe) == nil
}

func (d *DB) ClearSession() error {
	return d.Remove(KeyAccessToken, KeyUserInfo, KeyInfID)
}

func (d *DB) AccessToken() (string, error) {
	v, err := d.Get(KeyAccessToken)
	if err != nil || v == nil {
		return "", err
	}
	return *v, nil
}

func (d *DB) SetAccessToken(token string) error {
	return d.Set(KeyAccessToken, token)
}

// ChestUnit returns the remembered chest input mode, empty when none was saved
// or the stored value is unknown. It is a UI preference and survives logout.
func (d *DB) ChestUnit() (measure.ChestUnit, error) {
	v, err := d.Get(KeyChestUnit)
	if err != nil || v == nil {
		return "", err
	}
	switch unit := measure.ChestUnit(*v); unit {
	case measure.ChestUnitCup, measure.ChestUnitBust:
		return unit, nil
	default:
		return "", nil
	}
}

func (d *DB) SetChestUnit(unit measure.ChestUnit) error {
	switch unit {
	case measure.ChestUnitCup, measure.ChestUnitBust:
		return d.Set(KeyChestUnit, string(unit))
	default:
		return fmt.Errorf("chest unit %q: %w", unit, measure.ErrInvalidValue)
	}
}

func (d *DB) SaveProfile(profile internal.UserProfile) error {
	if profile.BodyData != nil {
		normalized := make(map[internal.Slot]internal.MeasurementRecord, len(profile.BodyData))
		for slot, rec := range profile.BodyData {
			normalized[slot] = measure.Normalize(rec)
		}
		profile.BodyData = normalized
	}
	blob, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	if err := d.Set(KeyUserInfo, string(blob)); err != nil {
		return err
	}
	if profile.InfID != "" {
		return d.Set(KeyInfID, profile.InfID)
	}
	return nil
}

func (d *DB) LoadProfile() (*internal.UserProfile, error) {
	v, err := d.Get(KeyUserInfo)
	if err != nil || v == nil {
		return nil, err
	}
	var profile internal.UserProfile
	if err := json.Unmarshal([]byte(*v), &profile); err != nil {
		return nil, fmt.Errorf("decode %s: %w", KeyUserInfo, err)
	}
	for slot, rec := range profile.BodyData {
		profile.BodyData[slot] = measure.Normalize(rec)
	}
	if profile.InfID == "" {
		if id, _ := d.Get(KeyInfID); id != nil {
			profile.InfID = *id
		}
	}
	return &profile, nil
}

// Credential rebuilds the persisted credential. SubjectID is empty when the
// cached user info is missing or unreadable.
func (d *DB) Credential() (internal.Credential, error) {
	token, err := d.AccessToken()
	if err != nil {
		return internal.Credential{}, err
	}
	cred := internal.Credential{AccessToken: token, IDType: internal.IDTypeGoogle}
	profile, err := d.LoadProfile()
	if err == nil && profile != nil {
		cred.SubjectID = profile.SubjectID()
	}
	return cred, nil
}

func KeyForSlot(slot internal.Slot) string {
	switch slot {
	case internal.SlotBodyF:
		return KeyBodyF
	case internal.SlotBodyM:
		return KeyBodyM
	case internal.SlotShoesF, internal.SlotShoesM:
		return KeyShoes
	default:
		return "BodyData_" + string(slot)
	}
}

// LoadRecord returns the locally cached record stored under slot's key. Both shoe
// slots share one key; the record's Gender tells them apart.
func (d *DB) LoadRecord(slot internal.Slot) (*internal.MeasurementRecord, error) {
	v, err := d.Get(KeyForSlot(slot))
	if err != nil || v == nil {
		return nil, err
	}
	var rec internal.MeasurementRecord
	if err := json.Unmarshal([]byte(*v), &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", KeyForSlot(slot), err)
	}
	rec = measure.Normalize(rec)
	if rec.IsEmpty() {
		return nil, nil
	}
	return &rec, nil
}

func (d *DB) SaveRecord(slot internal.Slot, rec internal.MeasurementRecord) error {
	rec = measure.Normalize(rec)
	if slot.Kind() == internal.KindShoes && rec.Gender == "" {
		rec.Gender = slot.Gender()
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return d.Set(KeyForSlot(slot), string(blob))
}

func (d *DB) RemoveRecord(slot internal.Slot) error {
	return d.Remove(KeyForSlot(slot))
}

func (d *DB) InsertSyncRun(traceID string, slot internal.Slot, outcome internal.SyncOutcome, detail string) error {
	_, err := d.conn.Exec(`INSERT INTO sync_runs (traceId, slot, outcome, detail) VALUES (?, ?, ?, ?)`, traceID, string(slot), string(outcome), detail)
	return err
}

func (d *DB) ListSyncRuns(limit int) ([]internal.SyncRun, error) {
	rows, err := d.conn.Query(`
SELECT id, traceId, slot, outcome, detail, createdAt
FROM sync_runs ORDER BY id DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.SyncRun
	for rows.Next() {
		var run internal.SyncRun
		var slot, outcome string
		if err := rows.Scan(&run.ID, &run.TraceID, &slot, &outcome, &run.Detail, &run.CreatedAt); err != nil {
			return nil, err
		}
		run.Slot = internal.Slot(slot)
		run.Outcome = internal.SyncOutcome(outcome)
		out = append(out, run)
	}
	return out, rows.Err()
}

func (d *DB) SetMetadata(key, value string) error {
	_, err := d.conn.Exec(`
INSERT INTO metadata (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updatedAt = CURRENT_TIMESTAMP
`, key, value)
	return err
}

func (d *DB) GetMetadata(key string) (*string, error) {
	var value string
	err := d.conn.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &value, nil
}
