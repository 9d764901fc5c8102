package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodeOrdered marshals values as a JSON object whose members appear in the
// order given by keys. Keys missing from values are skipped.
func EncodeOrdered[T any](keys []string, values map[string]T) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	first := true
	for _, k := range keys {
		v, ok := values[k]
		if !ok {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false

		kb, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("snapshot: failed to marshal key: %w", err)
		}
		vb, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("snapshot: failed to marshal value: %w", err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeOrdered unmarshals a JSON object and returns its members together
// with the order in which they appeared. A duplicate key keeps its first
// position and its last value.
func DecodeOrdered[T any](data []byte) ([]string, map[string]T, error) {
	values := make(map[string]T)
	var keys []string

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return keys, values, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: malformed document: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("snapshot: malformed document: expected object")
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot: malformed document: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("snapshot: malformed document: non-string key")
		}

		var v T
		if err := dec.Decode(&v); err != nil {
			return nil, nil, fmt.Errorf("snapshot: malformed value for %q: %w", key, err)
		}
		if _, seen := values[key]; !seen {
			keys = append(keys, key)
		}
		values[key] = v
	}

	if _, err := dec.Token(); err != nil {
		return nil, nil, fmt.Errorf("snapshot: malformed document: %w", err)
	}
	return keys, values, nil
}
