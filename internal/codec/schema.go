package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agicash/walletcore/internal/money"
)

// ErrSchemaViolation marks a decrypted blob that failed its record-type
// schema check. It is a fatal corruption error: callers must never attempt
// to heal it, only surface it.
var ErrSchemaViolation = errors.New("codec: schema violation")

// Record is implemented by every per-record payload this codec stores at
// rest. Validate mirrors the teacher's manual FundCardMessage.Validate
// pattern (internal/queue/messages.go) rather than a JSON-schema library:
// one pass of required-field and union-invariant checks per type.
type Record interface {
	Validate() error
}

// Violation wraps a Validate failure with the record kind that produced it,
// so callers logging ErrSchemaViolation can tell which table was corrupt.
type Violation struct {
	Kind string
	Err  error
}

func (v *Violation) Error() string {
	return fmt.Sprintf("codec: %s schema violation: %v", v.Kind, v.Err)
}

func (v *Violation) Unwrap() error { return ErrSchemaViolation }

func newViolation(kind string, err error) error {
	return &Violation{Kind: kind, Err: err}
}

// tagged groups the two tagged JSON shapes below; marshalTagged does not
// wrap records in it. OptionalTime and OptionalMoney marshal themselves to
// taggedTime/taggedMoney, so that an absent value and a present zero value
// round-trip through JSON as different values.
type tagged struct {
	Time  *taggedTime  `json:"t,omitempty"`
	Money *taggedMoney `json:"m,omitempty"`
}

type taggedTime struct {
	Present bool      `json:"present"`
	Value   time.Time `json:"value,omitempty"`
}

type taggedMoney struct {
	Present  bool   `json:"present"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Unit     string `json:"unit"`
}

// OptionalTime wraps a possibly-absent timestamp for a tagged JSON field.
type OptionalTime struct {
	Time    time.Time
	Present bool
}

func (o OptionalTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(taggedTime{Present: o.Present, Value: o.Time})
}

func (o *OptionalTime) UnmarshalJSON(data []byte) error {
	var t taggedTime
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	o.Present = t.Present
	o.Time = t.Value
	return nil
}

// OptionalMoney wraps a possibly-absent money.Money for a tagged JSON field,
// e.g. a fee that does not apply until a quote is accepted.
type OptionalMoney struct {
	Money   money.Money
	Present bool
}

func (o OptionalMoney) MarshalJSON() ([]byte, error) {
	if !o.Present {
		return json.Marshal(taggedMoney{Present: false})
	}
	return json.Marshal(taggedMoney{
		Present:  true,
		Amount:   o.Money.Amount,
		Currency: string(o.Money.Currency),
		Unit:     string(o.Money.Unit),
	})
}

func (o *OptionalMoney) UnmarshalJSON(data []byte) error {
	var t taggedMoney
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	o.Present = t.Present
	if !t.Present {
		o.Money = money.Money{}
		return nil
	}
	o.Money = money.New(t.Amount, money.Currency(t.Currency), money.Unit(t.Unit))
	return nil
}
