package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// entry is one raw value and where it came from.
type entry struct {
	raw    interface{}
	source string
}

// Manager holds raw configuration values keyed by their dash-style name
// ("max-fd"). Later loads override earlier ones.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{entries: make(map[string]entry)}
}

// Set stores value under key.
func (m *Manager) Set(key string, value interface{}) {
	m.set(key, value, "set")
}

func (m *Manager) set(key string, value interface{}, source string) {
	m.mu.Lock()
	m.entries[key] = entry{raw: value, source: source}
	m.mu.Unlock()
}

// Get returns the raw value stored under key.
func (m *Manager) Get(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e.raw, ok
}

// Source describes where key was last loaded from, e.g.
// "env FASTSTATIC_PORT", "file site.json" or "flag -port".
func (m *Manager) Source(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[key].source
}

// Keys returns the loaded keys, sorted.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadFromEnv loads variables named <prefix>_<KEY>. KEY is upper case with
// underscores: FASTSTATIC_MAX_FD sets "max-fd".
func (m *Manager) LoadFromEnv(prefix string) {
	m.loadEnv(prefix, os.Environ())
}

func (m *Manager) loadEnv(prefix string, environ []string) {
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		key := name
		if prefix != "" {
			if key, ok = strings.CutPrefix(name, prefix+"_"); !ok {
				continue
			}
		}
		if key == "" {
			continue
		}
		m.set(strings.ReplaceAll(strings.ToLower(key), "_", "-"), value, "env "+name)
	}
}

// LoadFromJSON loads a JSON object. Nested objects become dotted keys:
// {"log": {"level": "warn"}} sets "log.level".
func (m *Manager) LoadFromJSON(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", filename, err)
	}

	var values map[string]interface{}
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("config: parse %s: %w", filename, err)
	}
	m.flatten("", values, "file "+filename)
	return nil
}

func (m *Manager) flatten(prefix string, values map[string]interface{}, source string) {
	for key, value := range values {
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			m.flatten(key, nested, source)
			continue
		}
		m.set(key, value, source)
	}
}

// LoadFromFlags loads the flags that were set explicitly on fs.
func (m *Manager) LoadFromFlags(fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		m.set(f.Name, f.Value.String(), "flag -"+f.Name)
	})
}

// Unmarshal copies values into the exported fields of the struct target
// points to. A field's key is its `config` tag, or its lower-cased name;
// a tag of "-" skips the field.
func (m *Manager) Unmarshal(prefix string, target interface{}) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return errors.New("config: target must be a pointer to struct")
	}
	v = v.Elem()

	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, key := range fieldKeys(prefix, v.Type()) {
		if key == "" {
			continue
		}
		e, ok := m.entries[key]
		if !ok {
			continue
		}
		if err := assign(v.Field(i), e.raw); err != nil {
			return fmt.Errorf("%s (%s): %w", key, e.source, err)
		}
	}
	return nil
}

// Unclaimed returns the loaded keys under prefix that no field of the
// struct target points to would read.
func (m *Manager) Unclaimed(prefix string, target interface{}) []string {
	claimed := make(map[string]bool)
	if t := reflect.TypeOf(target); t != nil && t.Kind() == reflect.Ptr && t.Elem().Kind() == reflect.Struct {
		for _, key := range fieldKeys(prefix, t.Elem()) {
			claimed[key] = true
		}
	}

	var out []string
	for _, key := range m.Keys() {
		if prefix != "" && !strings.HasPrefix(key, prefix+".") {
			continue
		}
		if !claimed[key] {
			out = append(out, key)
		}
	}
	return out
}

// fieldKeys returns the key of each field of t, "" for fields that are
// skipped or unexported.
func fieldKeys(prefix string, t reflect.Type) []string {
	keys := make([]string, t.NumField())
	for i := range keys {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		key := f.Tag.Get("config")
		switch key {
		case "-":
			continue
		case "":
			key = strings.ToLower(f.Name)
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		keys[i] = key
	}
	return keys
}

func assign(field reflect.Value, raw interface{}) error {
	if field.Type() == durationType {
		d, err := toDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(toString(raw))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := toInt(raw)
		if err != nil {
			return err
		}
		if field.OverflowInt(n) {
			return fmt.Errorf("%d overflows %v", n, field.Type())
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := toBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field type %v", field.Type())
	}
	return nil
}

func toString(raw interface{}) string {
	if s, ok := raw.(string); ok {
		return s
	}
	return fmt.Sprint(raw)
}

// toInt accepts integers, whole JSON numbers and decimal strings.
func toInt(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q", v)
		}
		return n, nil
	}
	return 0, fmt.Errorf("cannot use %T as an integer", raw)
}

func toBool(raw interface{}) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("invalid bool %q", v)
		}
		return b, nil
	}
	return false, fmt.Errorf("cannot use %T as a bool", raw)
}

// toDuration accepts a time.Duration, a Go duration string ("250ms"), or a
// number of seconds.
func toDuration(raw interface{}) (time.Duration, error) {
	switch v := raw.(type) {
	case time.Duration:
		return v, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case string:
		v = strings.TrimSpace(v)
		if d, err := time.ParseDuration(v); err == nil {
			return d, nil
		}
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(n * float64(time.Second)), nil
		}
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return 0, fmt.Errorf("cannot use %T as a duration", raw)
}
