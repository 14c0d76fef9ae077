package txn

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"
)

// Args are the positional arguments of a call as they came off the wire. Codecs
// differ in how they represent numbers and records, so accessors coerce.
type Args []interface{}

// Len returns the number of arguments.
func (a Args) Len() int {
	return len(a)
}

// Raw returns argument i without conversion.
func (a Args) Raw(i int) (interface{}, error) {
	if i < 0 || i >= len(a) {
		return nil, fmt.Errorf("argument %d out of range (have %d)", i, len(a))
	}
	return a[i], nil
}

// Int64 returns argument i as an int64.
func (a Args) Int64(i int) (int64, error) {
	v, err := a.Raw(i)
	if err != nil {
		return 0, err
	}
	n, err := cast.ToInt64E(v)
	if err != nil {
		return 0, fmt.Errorf("argument %d: %w", i, err)
	}
	return n, nil
}

// Float64 returns argument i as a float64.
func (a Args) Float64(i int) (float64, error) {
	v, err := a.Raw(i)
	if err != nil {
		return 0, err
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, fmt.Errorf("argument %d: %w", i, err)
	}
	return f, nil
}

// String returns argument i as a string.
func (a Args) String(i int) (string, error) {
	v, err := a.Raw(i)
	if err != nil {
		return "", err
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", fmt.Errorf("argument %d: %w", i, err)
	}
	return s, nil
}

// Bool returns argument i as a bool.
func (a Args) Bool(i int) (bool, error) {
	v, err := a.Raw(i)
	if err != nil {
		return false, err
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, fmt.Errorf("argument %d: %w", i, err)
	}
	return b, nil
}

// Duration returns argument i as a duration. Numbers are nanoseconds; strings use
// time.ParseDuration syntax.
func (a Args) Duration(i int) (time.Duration, error) {
	v, err := a.Raw(i)
	if err != nil {
		return 0, err
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		return 0, fmt.Errorf("argument %d: %w", i, err)
	}
	return d, nil
}

// Decode decodes a record argument into out, which must be a pointer. Field names
// follow `mapstructure` tags; scalar types are weakly converted.
func (a Args) Decode(i int, out interface{}) error {
	v, err := a.Raw(i)
	if err != nil {
		return err
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
	})
	if err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	if err := dec.Decode(normalize(v)); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}

// normalize turns map[interface{}]interface{} values, as produced by some binary
// codecs, into map[string]interface{}.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[cast.ToString(k)] = normalize(val)
		}
		return m
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = normalize(val)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, val := range t {
			s[i] = normalize(val)
		}
		return s
	default:
		return v
	}
}
