package eval

import (
	"encoding/json"
	"math"
	"reflect"
	"regexp"
	"time"
)

// Builtins returns the fixed vocabulary of safe helpers available to every
// check and alert expression. The expr runtime already provides the
// numeric, string and collection builtins (len, min, max, abs, int, float,
// string, filter, map, ...); this adds the domain helpers on top.
func Builtins() map[string]interface{} {
	return map[string]interface{}{
		"jsonParse": func(s string) (interface{}, error) {
			var v interface{}
			if err := json.Unmarshal([]byte(s), &v); err != nil {
				return nil, NewCheckError("invalid JSON: %v", err)
			}
			return v, nil
		},
		"jsonDumps": func(v interface{}) (string, error) {
			data, err := json.Marshal(v)
			if err != nil {
				return "", NewCheckError("value is not JSON-serializable: %v", err)
			}
			return string(data), nil
		},
		"re_match": func(pattern, s string) (bool, error) {
			matched, err := regexp.MatchString(pattern, s)
			if err != nil {
				return false, NewCheckError("invalid regex %q: %v", pattern, err)
			}
			return matched, nil
		},
		"re_find": func(pattern, s string) (string, error) {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return "", NewCheckError("invalid regex %q: %v", pattern, err)
			}
			return re.FindString(s), nil
		},
		"sqrt": math.Sqrt,
		"pow":  math.Pow,
		"avg": func(values []interface{}) (float64, error) {
			if len(values) == 0 {
				return 0, nil
			}
			total := 0.0
			for _, v := range values {
				f, err := toFloat(v)
				if err != nil {
					return 0, err
				}
				total += f
			}
			return total / float64(len(values)), nil
		},
		"timestamp": func() float64 {
			return float64(time.Now().UnixNano()) / 1e9
		},
		"empty": func(v interface{}) bool {
			switch x := v.(type) {
			case nil:
				return true
			case string:
				return x == ""
			case []interface{}:
				return len(x) == 0
			case map[string]interface{}:
				return len(x) == 0
			default:
				return false
			}
		},
		// Try runs its first argument and substitutes the second when the
		// first errors, panics or produces nil. Either argument may be a
		// zero-argument callable (invoked lazily) or a plain value.
		"Try": func(try, fallback interface{}) (interface{}, error) {
			value, err := callOrValue(try)
			if err == nil && value != nil {
				return value, nil
			}
			return callOrValue(fallback)
		},
	}
}

// callOrValue invokes v when it is a niladic function, recovering panics
// as errors, and passes any other value through unchanged.
func callOrValue(v interface{}) (result interface{}, err error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Func {
		return v, nil
	}
	if rv.Type().NumIn() != 0 {
		return nil, NewCheckError("Try arguments must be callables taking no parameters")
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = NewCheckError("callable panicked: %v", r)
		}
	}()
	out := rv.Call(nil)
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	case 2:
		if e, ok := out[1].Interface().(error); ok && e != nil {
			return nil, e
		}
		return out[0].Interface(), nil
	default:
		return nil, NewCheckError("Try callable returns %d values, want at most 2", len(out))
	}
}

func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	default:
		return 0, NewCheckError("value %v (%T) is not numeric", v, v)
	}
}

// ToFloat converts a heterogeneous check value leaf to a float64.
func ToFloat(v interface{}) (float64, error) {
	return toFloat(v)
}

// IsNumeric reports whether a value converts cleanly to float64.
func IsNumeric(v interface{}) bool {
	_, err := toFloat(v)
	return err == nil
}
