package providers

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// attrs wraps declared attributes with typed accessors. Values come from YAML
// or CUE decoding, so numbers may arrive as int, int64, uint64 or float64.
type attrs map[string]any

func (a attrs) has(key string) bool {
	v, ok := a[key]
	return ok && v != nil
}

func (a attrs) str(key string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func (a attrs) strOr(key, def string) string {
	if s := a.str(key); s != "" {
		return s
	}
	return def
}

func (a attrs) boolean(key string, def bool) (bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, fmt.Errorf("attribute %s: %q is not a boolean", key, t)
		}
		return b, nil
	default:
		return false, fmt.Errorf("attribute %s: %v is not a boolean", key, v)
	}
}

// integer returns the value and whether it was set.
func (a attrs) integer(key string) (int, bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch t := v.(type) {
	case int:
		return t, true, nil
	case int64:
		return int(t), true, nil
	case uint64:
		return int(t), true, nil
	case float64:
		if t != float64(int(t)) {
			return 0, false, fmt.Errorf("attribute %s: %v is not an integer", key, t)
		}
		return int(t), true, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false, fmt.Errorf("attribute %s: %q is not an integer", key, t)
		}
		return n, true, nil
	default:
		return 0, false, fmt.Errorf("attribute %s: %v is not an integer", key, v)
	}
}

// list accepts a single string or a list of scalars.
func (a attrs) list(key string) []string {
	v, ok := a[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return []string{fmt.Sprint(t)}
	}
}

func (a attrs) strMap(key string) map[string]string {
	v, ok := a[key]
	if !ok || v == nil {
		return nil
	}
	out := make(map[string]string)
	switch t := v.(type) {
	case map[string]string:
		for k, val := range t {
			out[k] = val
		}
	case map[string]any:
		for k, val := range t {
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func (a attrs) anyMap(key string) map[string]any {
	if m, ok := a[key].(map[string]any); ok {
		return m
	}
	return nil
}

// mode parses an octal permission string ("0644") or takes an integer as
// the raw mode value (YAML decodes 0644 to 420).
func (a attrs) mode(key string) (os.FileMode, bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	if s, isStr := v.(string); isStr {
		m, err := strconv.ParseUint(strings.TrimPrefix(s, "0o"), 8, 32)
		if err != nil || m > 0o777 {
			return 0, false, fmt.Errorf("attribute %s: invalid mode %q", key, s)
		}
		return os.FileMode(m), true, nil
	}
	n, _, err := a.integer(key)
	if err != nil || n < 0 || n > 0o777 {
		return 0, false, fmt.Errorf("attribute %s: invalid mode %v", key, v)
	}
	return os.FileMode(n), true, nil
}

func formatMode(m os.FileMode) string {
	return fmt.Sprintf("%04o", uint32(m.Perm()))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
