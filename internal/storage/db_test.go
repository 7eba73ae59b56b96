package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"inffits/internal"
	"inffits/internal/measure"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "widget.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestKVRoundTrip(t *testing.T) {
	db := openTestDB(t)

	v, err := db.Get(KeyAccessToken)
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, db.SetAccessToken("tok-1"))
	require.NoError(t, db.SetAccessToken("tok-2"))
	token, err := db.AccessToken()
	require.NoError(t, err)
	require.Equal(t, "tok-2", token)

	require.True(t, db.Available())
	require.NoError(t, db.ClearSession())
	token, err = db.AccessToken()
	require.NoError(t, err)
	require.Empty(t, token)
}

func TestRecordKeysPerSlot(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SaveRecord(internal.SlotBodyM, internal.MeasurementRecord{HV: "180"}))

	f, err := db.LoadRecord(internal.SlotBodyF)
	require.NoError(t, err)
	require.Nil(t, f)

	raw, err := db.Get(KeyBodyM)
	require.NoError(t, err)
	require.NotNil(t, raw)
	require.JSONEq(t, `{"HV":"180"}`, *raw)

	raw, err = db.Get(KeyBodyF)
	require.NoError(t, err)
	require.Nil(t, raw)
}

func TestRecordNormalizesSentinel(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Set(KeyBodyF, `{"HV":"165","CC":"null_null"}`))
	rec, err := db.LoadRecord(internal.SlotBodyF)
	require.NoError(t, err)
	require.Equal(t, "", rec.CC)

	require.NoError(t, db.SaveRecord(internal.SlotBodyF, internal.MeasurementRecord{HV: "165", CC: "null_null"}))
	raw, err := db.Get(KeyBodyF)
	require.NoError(t, err)
	require.NotContains(t, *raw, "null_null")
}

func TestShoeRecordsShareKeyAndCarryGender(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SaveRecord(internal.SlotShoesM, internal.MeasurementRecord{FH: "27", FW: "10"}))
	rec, err := db.LoadRecord(internal.SlotShoesF)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "M", rec.Gender)
}

func TestChestUnitPreference(t *testing.T) {
	db := openTestDB(t)
	unit, err := db.ChestUnit()
	require.NoError(t, err)
	require.Empty(t, unit)

	require.ErrorIs(t, db.SetChestUnit("inch"), measure.ErrInvalidValue)
	require.NoError(t, db.SetChestUnit(measure.ChestUnitBust))

	// A UI preference, not part of the session.
	require.NoError(t, db.ClearSession())
	unit, err = db.ChestUnit()
	require.NoError(t, err)
	require.Equal(t, measure.ChestUnitBust, unit)

	require.NoError(t, db.Set(KeyChestUnit, "furlong"))
	unit, err = db.ChestUnit()
	require.NoError(t, err)
	require.Empty(t, unit)
}

func TestProfileAndCredential(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SetAccessToken("tok"))
	cred, err := db.Credential()
	require.NoError(t, err)
	require.False(t, cred.CanRefresh())

	profile := internal.UserProfile{
		UserInfo: internal.UserInfo{Sub: "sub-1", Name: "Ann"},
		BodyData: map[internal.Slot]internal.MeasurementRecord{internal.SlotBodyF: {HV: "160", CC: "null_null"}},
		InfID:    "inf-9",
	}
	require.NoError(t, db.SaveProfile(profile))
	require.Equal(t, "null_null", profile.BodyData[internal.SlotBodyF].CC)

	loaded, err := db.LoadProfile()
	require.NoError(t, err)
	require.Equal(t, "", loaded.BodyData[internal.SlotBodyF].CC)
	require.Equal(t, "inf-9", loaded.InfID)

	cred, err = db.Credential()
	require.NoError(t, err)
	require.Equal(t, "sub-1", cred.SubjectID)
	require.Equal(t, internal.IDTypeGoogle, cred.IDType)
}

func TestSyncRuns(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.InsertSyncRun("t1", internal.SlotBodyF, internal.OutcomeUploaded, ""))
	require.NoError(t, db.InsertSyncRun("t2", internal.SlotShoesM, internal.OutcomeSkipped, "equal"))

	runs, err := db.ListSyncRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "t2", runs[0].TraceID)
	require.Equal(t, internal.OutcomeSkipped, runs[0].Outcome)
}
