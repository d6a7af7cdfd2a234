package convert

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/studydata/study/pkg/model"
)

// DateLayouts are the accepted textual date formats, tried in order.
var DateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006 15:04:05",
	"01/02/2006",
	"1/2/2006",
	"02-Jan-2006",
}

// Error describes a value that could not be converted to a declared type.
type Error struct {
	Value any
	Type  model.ValueType
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("could not convert value '%v' to %s", e.Value, e.Type)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNull reports whether v represents a missing value. Blank strings count
// as missing.
func IsNull(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case *string:
		return x == nil || strings.TrimSpace(*x) == ""
	case *float64:
		return x == nil
	case *int64:
		return x == nil
	case *time.Time:
		return x == nil
	}
	return false
}

// To converts v to the Go representation of t: string, int64, float64, bool,
// time.Time. Null input converts to nil without error.
func To(t model.ValueType, v any) (any, error) {
	if IsNull(v) {
		return nil, nil
	}
	var (
		out any
		err error
	)
	switch t {
	case model.TypeInteger:
		out, err = ToInt(v)
	case model.TypeDouble:
		out, err = ToFloat(v)
	case model.TypeBoolean:
		out, err = ToBool(v)
	case model.TypeDate:
		out, err = ToTime(v)
	case model.TypeGUID:
		out, err = ToGUID(v)
	default:
		out = ToString(v)
	}
	if err != nil {
		return nil, &Error{Value: v, Type: t, Err: err}
	}
	return out, nil
}

// ToString renders v as text. Integral floats render without a fraction.
func ToString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case *string:
		if x == nil {
			return ""
		}
		return *x
	case []byte:
		return string(x)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format("2006-01-02 15:04:05")
	case uuid.UUID:
		return x.String()
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

func ToInt(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("%v is not an integer", x)
		}
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case string:
		s := strings.TrimSpace(x)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f != math.Trunc(f) {
			return 0, fmt.Errorf("%q is not an integer", x)
		}
		return int64(f), nil
	}
	return 0, fmt.Errorf("unsupported integer value of type %T", v)
}

func ToFloat(v any) (float64, error) {
	switch x := v.(type) {
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case *float64:
		if x == nil {
			return 0, fmt.Errorf("nil number")
		}
		return *x, nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	return 0, fmt.Errorf("unsupported numeric value of type %T", v)
}

func ToBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int:
		return x != 0, nil
	case int64:
		return x != 0, nil
	case float64:
		return x != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "t", "yes", "y", "on", "1":
			return true, nil
		case "false", "f", "no", "n", "off", "0":
			return false, nil
		}
		return false, fmt.Errorf("%q is not a boolean", x)
	}
	return false, fmt.Errorf("unsupported boolean value of type %T", v)
}

func ToTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case *time.Time:
		if x == nil {
			return time.Time{}, fmt.Errorf("nil time")
		}
		return *x, nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range DateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("%q is not a recognized date", x)
	}
	return time.Time{}, fmt.Errorf("unsupported date value of type %T", v)
}

// ToGUID returns the canonical lower-case form of a GUID value.
func ToGUID(v any) (string, error) {
	switch x := v.(type) {
	case uuid.UUID:
		return x.String(), nil
	case string:
		id, err := uuid.Parse(strings.TrimSpace(x))
		if err != nil {
			return "", err
		}
		return id.String(), nil
	}
	return "", fmt.Errorf("unsupported GUID value of type %T", v)
}
