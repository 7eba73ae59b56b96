package internal

import "strings"

const IDTypeGoogle = "Google"

type Credential struct {
	AccessToken string `json:"access_token"`
	SubjectID   string `json:"sub"`
	IDType      string `json:"IDTYPE"`
}

func (c Credential) CanRefresh() bool {
	return strings.TrimSpace(c.SubjectID) != ""
}

type UserInfo struct {
	Sub     string `json:"sub"`
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture"`
}

// SubjectID prefers the OIDC "sub" claim and falls back to the v2 "id" field.
func (u UserInfo) SubjectID() string {
	if u.Sub != "" {
		return u.Sub
	}
	return u.ID
}

type UserProfile struct {
	UserInfo
	BodyData map[Slot]MeasurementRecord `json:"BodyData,omitempty"`
	InfID    string                     `json:"INF_ID,omitempty"`
}

type MeasurementRecord struct {
	HV     string `json:"HV,omitempty"`
	WV     string `json:"WV,omitempty"`
	CC     string `json:"CC,omitempty"`
	Gender string `json:"Gender,omitempty"`
	FitP   string `json:"FitP,omitempty"`
	FH     string `json:"FH,omitempty"`
	FW     string `json:"FW,omitempty"`
	FCir   string `json:"FCir,omitempty"`
}

func (r MeasurementRecord) IsEmpty() bool {
	return r == MeasurementRecord{}
}

type RecordKind string

const (
	KindBody  RecordKind = "body"
	KindShoes RecordKind = "shoes"
)

type Slot string

const (
	SlotBodyF  Slot = "bodyF"
	SlotBodyM  Slot = "bodyM"
	SlotShoesF Slot = "shoesF"
	SlotShoesM Slot = "shoesM"
)

func (s Slot) Kind() RecordKind {
	if strings.HasPrefix(string(s), "shoes") {
		return KindShoes
	}
	return KindBody
}

// Gender is "M" or "F" for the built-in slots and "" for custom keys.
func (s Slot) Gender() string {
	switch s {
	case SlotBodyM, SlotShoesM:
		return "M"
	case SlotBodyF, SlotShoesF:
		return "F"
	default:
		return ""
	}
}

type SyncOutcome string

const (
	OutcomeSkipped              SyncOutcome = "skipped"
	OutcomeDownloaded           SyncOutcome = "downloaded"
	OutcomeUploaded             SyncOutcome = "uploaded"
	OutcomeUserChoiceDownloaded SyncOutcome = "user_choice_downloaded"
	OutcomeUserChoiceUploaded   SyncOutcome = "user_choice_uploaded"
	OutcomeUserCancelled        SyncOutcome = "user_cancelled"
	OutcomeSyncFailed           SyncOutcome = "sync_failed"
)

type SyncRun struct {
	ID        int
	TraceID   string
	Slot      Slot
	Outcome   SyncOutcome
	Detail    string
	CreatedAt string
}
