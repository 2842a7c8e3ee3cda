package notify

import (
	"context"
	"fmt"
)

// Options are the keyword arguments of a notification call, e.g.
// notify_mail(["ops@example.org"], {repeat: 60, message: "{name} on {entities}"}).
type Options map[string]interface{}

// Repeat returns the repeat interval in seconds, zero for one-shot.
func (o Options) Repeat() int {
	v, ok := o["repeat"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// String returns a string option or the fallback.
func (o Options) String(key, fallback string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// Bool returns a boolean option or the fallback.
func (o Options) Bool(key string, fallback bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// Transport delivers one rendered notification. Send returns the repeat
// interval requested by the call so the caller can schedule the next
// delivery; delivery failures should be NotificationError values.
type Transport interface {
	Name() string
	Send(ctx context.Context, req *Request, recipients []string, opts Options) (int, error)
}

// recipientsFromArg normalises the first notify_* argument: a single
// address or a list of addresses.
func recipientsFromArg(arg interface{}) ([]string, error) {
	switch v := arg.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("recipient %v is not a string", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("recipients must be a string or a list of strings, got %T", arg)
	}
}
