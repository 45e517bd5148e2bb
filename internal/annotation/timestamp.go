package annotation

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// The store exchanges millisecond timestamps in GMT with a numeric zone
// offset, so UTC renders as +0000 rather than a literal Z. Parsing stays
// lenient and accepts both forms.
const (
	wireTimeEncodeLayout = "2006-01-02T15:04:05.000-0700"
	wireTimeParseLayout  = "2006-01-02T15:04:05.000Z0700"
)

// ErrInvalidTimestamp indicates a wire timestamp did not match the required
// millisecond format.
var ErrInvalidTimestamp = errors.New("annotation: invalid timestamp")

// Timestamp wraps time.Time with the store's wire encoding.
type Timestamp time.Time

// Time returns the underlying time value.
func (ts Timestamp) Time() time.Time {
	return time.Time(ts)
}

// MarshalJSON renders the timestamp in the wire format, normalized to UTC.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	formatted := time.Time(ts).UTC().Format(wireTimeEncodeLayout)
	return []byte(strconv.Quote(formatted)), nil
}

// UnmarshalJSON parses the wire format.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	raw, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidTimestamp, string(data))
	}
	parsed, err := time.Parse(wireTimeParseLayout, raw)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimestamp, raw)
	}
	*ts = Timestamp(parsed)
	return nil
}

func timestampOrNil(value *time.Time) *Timestamp {
	if value == nil {
		return nil
	}
	ts := Timestamp(*value)
	return &ts
}

func timeOrNil(value *Timestamp) *time.Time {
	if value == nil {
		return nil
	}
	t := value.Time()
	return &t
}
