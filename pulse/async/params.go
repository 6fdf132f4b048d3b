package async

import (
	"strconv"
	"strings"
	"time"
)

// Int returns params[key] as an int. JSON numbers, Go integers and numeric
// strings are accepted; anything else yields def.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Bool returns params[key] as a bool. "1", "true", "yes" and non-zero numbers
// count as true.
func (p Params) Bool(key string, def bool) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

// String returns params[key] as a string, or def when missing or empty
func (p Params) String(key string, def string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Millis reads an integer number of milliseconds as a duration
func (p Params) Millis(key string, def time.Duration) time.Duration {
	ms := p.Int(key, -1)
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
