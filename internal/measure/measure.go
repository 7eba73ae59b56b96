package measure

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"inffits/internal"
)

const (
	NullSentinel = "null_null"
	Unfilled     = "未填寫"
)

const (
	FieldHeight            = "HV"
	FieldWeight            = "WV"
	FieldChest             = "CC"
	FieldGender            = "Gender"
	FieldFitPreference     = "FitP"
	FieldFootLength        = "FH"
	FieldFootWidth         = "FW"
	FieldFootCircumference = "FCir"
)

var (
	ErrOutOfRange   = errors.New("value out of range")
	ErrInvalidValue = errors.New("invalid value")
	ErrUnknownField = errors.New("unknown field")
)

var (
	reCupSize  = regexp.MustCompile(`^\d{2}[A-Za-z]{1,3}$`)
	reBustPair = regexp.MustCompile(`^(\d+(?:\.\d+)?)_(\d+(?:\.\d+)?)$`)
)

type numericRange struct {
	min, max float64
}

var ranges = map[string]numericRange{
	FieldHeight:            {min: 100, max: 250},
	FieldWeight:            {min: 20, max: 200},
	FieldFootLength:        {min: 15, max: 35},
	FieldFootWidth:         {min: 5, max: 15},
	FieldFootCircumference: {min: 18.0, max: 39.9},
}

func NormalizeCC(cc string) string {
	cc = strings.TrimSpace(cc)
	if cc == NullSentinel {
		return ""
	}
	return cc
}

// Normalize rewrites legacy placeholders and drops an out-of-range foot
// circumference. It is applied at every read and write boundary.
func Normalize(rec internal.MeasurementRecord) internal.MeasurementRecord {
	rec.CC = NormalizeCC(rec.CC)
	if rec.FCir != "" {
		if _, ok := ParseFootCircumference(rec.FCir); !ok {
			rec.FCir = ""
		}
	}
	return rec
}

// ParseFootCircumference accepts values in [18.0, 39.9] at 0.1 resolution.
func ParseFootCircumference(value string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(v) {
		return 0, false
	}
	r := ranges[FieldFootCircumference]
	if v < r.min || v > r.max+1e-9 {
		return 0, false
	}
	if math.Abs(v*10-math.Round(v*10)) > 1e-6 {
		return 0, false
	}
	return v, true
}

type ChestKind int

const (
	ChestEmpty ChestKind = iota
	ChestCup
	ChestBustPair
)

type Chest struct {
	Kind  ChestKind
	Cup   string
	Upper float64
	Lower float64
}

// ChestUnit is the chest editor's input mode.
type ChestUnit string

const (
	ChestUnitCup  ChestUnit = "cup"
	ChestUnitBust ChestUnit = "cm"
)

// Unit is the input mode that produced c, empty for an empty chest.
func (c Chest) Unit() ChestUnit {
	switch c.Kind {
	case ChestCup:
		return ChestUnitCup
	case ChestBustPair:
		return ChestUnitBust
	default:
		return ""
	}
}

func ParseCC(cc string) (Chest, error) {
	cc = NormalizeCC(cc)
	if cc == "" {
		return Chest{Kind: ChestEmpty}, nil
	}
	if reCupSize.MatchString(cc) {
		return Chest{Kind: ChestCup, Cup: strings.ToUpper(cc)}, nil
	}
	if m := reBustPair.FindStringSubmatch(cc); m != nil {
		upper, _ := strconv.ParseFloat(m[1], 64)
		lower, _ := strconv.ParseFloat(m[2], 64)
		return Chest{Kind: ChestBustPair, Upper: upper, Lower: lower}, nil
	}
	return Chest{}, fmt.Errorf("chest %q: %w", cc, ErrInvalidValue)
}

// Equal compares only the fields that decide a sync conflict for kind.
func Equal(kind internal.RecordKind, a, b internal.MeasurementRecord) bool {
	a = Normalize(a)
	b = Normalize(b)
	if kind == internal.KindShoes {
		return sameNumber(a.FH, b.FH) && sameNumber(a.FW, b.FW) && sameNumber(a.FCir, b.FCir)
	}
	return sameNumber(a.HV, b.HV) && sameNumber(a.WV, b.WV) && a.CC == b.CC
}

func sameNumber(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == b {
		return true
	}
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	return errA == nil && errB == nil && fa == fb
}

// SetField validates value for field and returns the updated record. An empty
// value clears the field.
func SetField(rec internal.MeasurementRecord, field, value string) (internal.MeasurementRecord, error) {
	value = strings.TrimSpace(value)
	if err := Validate(field, value); err != nil {
		return rec, err
	}
	switch field {
	case FieldHeight:
		rec.HV = value
	case FieldWeight:
		rec.WV = value
	case FieldChest:
		rec.CC = NormalizeCC(value)
	case FieldGender:
		rec.Gender = value
	case FieldFitPreference:
		rec.FitP = value
	case FieldFootLength:
		rec.FH = value
	case FieldFootWidth:
		rec.FW = value
	case FieldFootCircumference:
		rec.FCir = value
	}
	return Normalize(rec), nil
}

func Validate(field, value string) error {
	switch field {
	case FieldGender:
		if value != "" && value != "M" && value != "F" {
			return fmt.Errorf("gender %q: %w", value, ErrInvalidValue)
		}
		return nil
	case FieldFitPreference:
		return nil
	case FieldChest:
		_, err := ParseCC(value)
		return err
	case FieldFootCircumference:
		if value == "" {
			return nil
		}
		if _, ok := ParseFootCircumference(value); !ok {
			return fmt.Errorf("%s=%s: %w", field, value, ErrOutOfRange)
		}
		return nil
	}

	r, ok := ranges[field]
	if !ok {
		return fmt.Errorf("%s: %w", field, ErrUnknownField)
	}
	if value == "" {
		return nil
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("%s=%s: %w", field, value, ErrInvalidValue)
	}
	if v < r.min || v > r.max {
		return fmt.Errorf("%s=%s: %w", field, value, ErrOutOfRange)
	}
	return nil
}

// Display renders a field for the editor, using Unfilled for anything absent or invalid.
func Display(rec internal.MeasurementRecord, field string) string {
	rec = Normalize(rec)
	var value string
	switch field {
	case FieldHeight:
		value = rec.HV
	case FieldWeight:
		value = rec.WV
	case FieldChest:
		value = rec.CC
	case FieldGender:
		value = rec.Gender
	case FieldFitPreference:
		value = rec.FitP
	case FieldFootLength:
		value = rec.FH
	case FieldFootWidth:
		value = rec.FW
	case FieldFootCircumference:
		value = rec.FCir
	}
	if value == "" || Validate(field, value) != nil {
		return Unfilled
	}
	return value
}
