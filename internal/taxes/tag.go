package taxes

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Polarity tells whether a tag adds to or subtracts from its report line.
type Polarity int8

const (
	Plus Polarity = iota
	Minus
)

// Sign returns +1 for Plus and -1 for Minus.
func (p Polarity) Sign() decimal.Decimal {
	if p == Minus {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func (p Polarity) String() string {
	if p == Minus {
		return "-"
	}
	return "+"
}

// Tag routes an accounting line to the report line(s) carrying Name within
// the reports of Country.
type Tag struct {
	Country  string
	Name     string
	Polarity Polarity
}

// NewTag builds a tag, mostly for tests and fixtures.
func NewTag(country, name string, polarity Polarity) Tag {
	return Tag{Country: strings.ToUpper(country), Name: name, Polarity: polarity}
}

// Line identifies the report-line side of the tag, regardless of polarity.
func (t Tag) Line() LineRef {
	return LineRef{Country: t.Country, Name: t.Name}
}

// Key renders the tag as COUNTRY:+name.
func (t Tag) Key() string {
	return t.Country + ":" + t.Polarity.String() + t.Name
}

func (t Tag) String() string {
	return t.Key()
}

// ParseTag parses the COUNTRY:+name / COUNTRY:-name notation.
func ParseTag(raw string) (Tag, error) {
	country, rest, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || country == "" || len(rest) < 2 {
		return Tag{}, fmt.Errorf("%w: %q", ErrInvalidTag, raw)
	}
	var polarity Polarity
	switch rest[0] {
	case '+':
		polarity = Plus
	case '-':
		polarity = Minus
	default:
		return Tag{}, fmt.Errorf("%w: %q has no polarity", ErrInvalidTag, raw)
	}
	return NewTag(country, rest[1:], polarity), nil
}

// MarshalText implements encoding.TextMarshaler.
func (t Tag) MarshalText() ([]byte, error) {
	return []byte(t.Key()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tag) UnmarshalText(text []byte) error {
	parsed, err := ParseTag(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// LineRef names a report line by country and tag name.
type LineRef struct {
	Country string
	Name    string
}

// LineTag is a tag carried by an accounting line together with the tax whose
// repartition produced it. TaxID is zero for tags set by hand.
type LineTag struct {
	Tag   Tag   `json:"tag"`
	TaxID int64 `json:"tax_id,omitempty"`
}
