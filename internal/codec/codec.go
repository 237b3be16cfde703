// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package codec implements the record codec of spec.md §4.2: textual,
// self-describing serialization for the five record kinds, with
// round-trip preservation of fields a reader doesn't recognize (forward
// compatibility) and a distinct MalformedRecord error on parse failure.
package codec

import (
	"encoding/json"
	"reflect"

	lqerrors "github.com/jontk/leaseq/pkg/errors"
)

// Decode parses data into a T, returning any JSON object keys data
// carries that T's struct tags don't declare. Parse failures (invalid
// JSON, a field with the wrong type, an outcome/event tag your version
// doesn't know) are returned as lqerrors.MalformedRecord so callers
// never have to sniff encoding/json's error types themselves.
func Decode[T any](data []byte) (T, map[string]json.RawMessage, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, nil, lqerrors.NewMalformedRecord("decode record", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// v decoded fine but the payload isn't a JSON object at all
		// (e.g. a bare string or array) — still malformed.
		return v, nil, lqerrors.NewMalformedRecord("decode record: not an object", err)
	}

	known := jsonFieldNames(reflect.TypeOf(v))
	unknown := make(map[string]json.RawMessage)
	for k, val := range raw {
		if !known[k] {
			unknown[k] = val
		}
	}
	if len(unknown) == 0 {
		unknown = nil
	}
	return v, unknown, nil
}

// Encode serializes v and merges in any previously-unknown fields so
// that round-tripping a record this version doesn't fully understand
// never drops data (spec.md §4.2: "unknown fields are preserved
// round-trip to permit forward compatibility").
func Encode[T any](v T, unknown map[string]json.RawMessage) ([]byte, error) {
	base, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(unknown) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, val := range unknown {
		if _, exists := merged[k]; !exists {
			merged[k] = val
		}
	}
	return json.Marshal(merged)
}

// jsonFieldNames returns the set of JSON object keys t's exported fields
// serialize to, honoring `json:"name"` / `json:"-"` tags.
func jsonFieldNames(t reflect.Type) map[string]bool {
	names := make(map[string]bool)
	if t == nil || t.Kind() != reflect.Struct {
		return names
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue // unexported
		}
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name := f.Name
		if tag != "" {
			if idx := indexComma(tag); idx >= 0 {
				tag = tag[:idx]
			}
			if tag != "" {
				name = tag
			}
		}
		names[name] = true
	}
	return names
}

func indexComma(s string) int {
	for i, c := range s {
		if c == ',' {
			return i
		}
	}
	return -1
}
