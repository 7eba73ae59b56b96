package slot

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"inffits/internal"
)

var ErrInvalidURL = errors.New("invalid page url")

type Hints struct {
	Kind internal.RecordKind
}

// Resolve derives the profile slot of a hosting page from its URL.
//
// A bare "M" query flag marks a men's page. Otherwise a "cid" parameter may carry
// the gender after its last underscore ("...._M"/"...._F"). Anything else is a
// women's page.
func Resolve(rawURL string, hints Hints) (internal.Slot, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	kind := hints.Kind
	if kind == "" {
		kind = internal.KindBody
	}
	return ForGender(kind, genderFromQuery(u.Query())), nil
}

func genderFromQuery(q url.Values) string {
	if _, ok := q["M"]; ok {
		return "M"
	}
	if cid := q.Get("cid"); cid != "" {
		if i := strings.LastIndex(cid, "_"); i >= 0 && i < len(cid)-1 {
			switch strings.ToUpper(cid[i+1:]) {
			case "M":
				return "M"
			case "F":
				return "F"
			}
		}
	}
	return "F"
}

func ForGender(kind internal.RecordKind, gender string) internal.Slot {
	male := strings.EqualFold(gender, "M")
	if kind == internal.KindShoes {
		if male {
			return internal.SlotShoesM
		}
		return internal.SlotShoesF
	}
	if male {
		return internal.SlotBodyM
	}
	return internal.SlotBodyF
}
