package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Flag is a boolean that also decodes from the strings "true" and "false".
// It always encodes as a JSON boolean.
type Flag bool

// UnmarshalJSON accepts true, false, "true", "false", "" and null.
func (f *Flag) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case "true", `"true"`:
		*f = true
	case "false", `"false"`, `""`, "null":
		*f = false
	default:
		return fmt.Errorf("invalid flag value %s", data)
	}
	return nil
}

// Int is an int64 that also decodes from numeric strings such as "4".
// It always encodes as a JSON number.
type Int int64

// UnmarshalJSON accepts a JSON number, a numeric string, "" or null.
func (n *Int) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*n = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		// Integral floats ("4.0") come from some form encoders.
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f != float64(int64(f)) {
			return fmt.Errorf("invalid integer value %s", data)
		}
		v = int64(f)
	}
	*n = Int(v)
	return nil
}

// splitObject decodes a JSON object into raw members.
// Returns an error if data is not an object.
func splitObject(data []byte) (map[string]json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("expected JSON object")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// takeInt removes key from obj and decodes it leniently.
// found is false when the key is absent.
func takeInt(obj map[string]json.RawMessage, key string) (v int64, found bool, err error) {
	raw, ok := obj[key]
	if !ok {
		return 0, false, nil
	}
	delete(obj, key)
	var n Int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, true, fmt.Errorf("%s: %w", key, err)
	}
	return int64(n), true, nil
}

// takeFlag removes key from obj and decodes it leniently.
func takeFlag(obj map[string]json.RawMessage, key string) (bool, error) {
	raw, ok := obj[key]
	if !ok {
		return false, nil
	}
	delete(obj, key)
	var f Flag
	if err := json.Unmarshal(raw, &f); err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return bool(f), nil
}

// takeString removes key from obj and decodes it as a string.
// Non-string scalars are kept in their literal form.
func takeString(obj map[string]json.RawMessage, key string) (string, error) {
	raw, ok := obj[key]
	if !ok {
		return "", nil
	}
	delete(obj, key)
	if string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		if len(raw) > 0 && raw[0] != '{' && raw[0] != '[' {
			return string(raw), nil
		}
		return "", fmt.Errorf("%s: %w", key, err)
	}
	return s, nil
}

// rawValue marshals v for inclusion in a flattened object.
func rawValue(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// copyRaw copies a member map so callers cannot alias record internals.
func copyRaw(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	cp := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		cp[k] = append(json.RawMessage(nil), v...)
	}
	return cp
}
