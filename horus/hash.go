// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

package horus

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// nullSentinel is the canonical rendering of a null attribute value.
// It must match the server's canonicalization exactly.
const nullSentinel = "null"

// GenerateHash computes the content hash of one row: SHA-256 over the
// canonicalized values of the attributes sorted by name. The result is
// stable across platforms for identical (name, value) pairs regardless
// of the value's native numeric type.
func GenerateHash(attrs []Attribute) string {
	sorted := make([]Attribute, len(attrs))
	copy(sorted, attrs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	for _, a := range sorted {
		b.WriteString(canonicalValue(a.Value))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// GenerateHashFromMap hashes the hashable attributes of a row map.
// Volatile sync bookkeeping columns are excluded; the row id is not.
func GenerateHashFromMap(row map[string]any) string {
	attrs := make([]Attribute, 0, len(row))
	for k, v := range row {
		if !IsHashableAttribute(k) {
			continue
		}
		attrs = append(attrs, Attribute{Name: k, Value: v})
	}
	return GenerateHash(attrs)
}

// GenerateHashFromList combines ordered row hashes into one aggregate
// entity-level hash. Order sensitivity is deliberate: client and server
// agree on ORDER BY id, so the same set in a different order must not
// collide.
func GenerateHashFromList(hashes []string) string {
	var b strings.Builder
	for _, h := range hashes {
		b.WriteString(h)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// canonicalValue renders a value the single agreed way before hashing.
// Floats are formatted minimally without an exponent, integers without
// a fractional part, booleans as literal true/false.
func canonicalValue(v any) string {
	switch x := v.(type) {
	case nil:
		return nullSentinel
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return canonicalFloat(float64(x))
	case float64:
		return canonicalFloat(x)
	case json.Number:
		// JSON-decoded numbers keep their literal form; normalize it
		// through the same float/int rendering.
		if i, err := x.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		if f, err := x.Float64(); err == nil {
			return canonicalFloat(f)
		}
		return x.String()
	case []byte:
		return string(x)
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return nullSentinel
		}
		return string(data)
	}
}

// canonicalFloat renders whole floats without a fractional part so that
// 10 and 10.0 hash identically whichever decoder produced them.
func canonicalFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
