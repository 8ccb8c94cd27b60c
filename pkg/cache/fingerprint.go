// Package cache fingerprints intercepted requests and persists the mapping
// from a fingerprint to the batch job that will eventually resolve it,
// grounded on the hashing and context-carrying pattern in bifrost's
// semanticcache plugin.
package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/batchling/batchling/pkg/adapter"
)

// Fingerprint deterministically identifies a captured request for cache
// lookup: same provider, path and canonicalized body always hash the same,
// independent of host, header order, or JSON key order.
func Fingerprint(providerName string, req *adapter.CapturedRequest) (string, error) {
	canonical, err := canonicalizeJSON(req.Body)
	if err != nil {
		return "", err
	}

	material := fmt.Sprintf("%s\x00%s\x00%s\x00%s", providerName, req.Method, req.Path, canonical)
	sum := xxhash.Sum64String(material)
	return fmt.Sprintf("%s_%x", providerName, sum), nil
}

// canonicalizeJSON re-encodes a JSON document with map keys sorted at every
// level, so structurally identical requests fingerprint identically
// regardless of field order. Numbers are decoded via json.Number and
// normalized by canonicalizeValue, so 0.2, 0.20 and 2e-1 all fingerprint
// identically.
func canonicalizeJSON(raw []byte) (string, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return "", fmt.Errorf("cache: request body is not valid JSON: %w", err)
	}

	canonical := canonicalizeValue(value)
	out, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("cache: failed to re-marshal canonical body: %w", err)
	}
	return string(out), nil
}

// canonicalizeValue rebuilds maps as sortedMap so their JSON encoding
// always emits keys in the same order.
func canonicalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		pairs := make([]sortedPair, len(keys))
		for i, k := range keys {
			pairs[i] = sortedPair{Key: k, Value: canonicalizeValue(val[k])}
		}
		return sortedMap(pairs)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = canonicalizeValue(item)
		}
		return out
	case json.Number:
		// Integers that fit in an int64 keep their exact text; any other
		// number is rendered as the shortest plain decimal of its float64
		// value, without exponent or trailing zeros.
		if _, err := val.Int64(); err == nil {
			return val
		}
		if f, err := val.Float64(); err == nil {
			return json.Number(strconv.FormatFloat(f, 'f', -1, 64))
		}
		return val
	default:
		return val
	}
}

type sortedPair struct {
	Key   string
	Value any
}

// sortedMap marshals as a JSON object whose keys appear in the fixed order
// its pairs were built in (alphabetical, per canonicalizeValue).
type sortedMap []sortedPair

func (m sortedMap) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, '{')
	for i, pair := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(pair.Key)
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')

		val, err := json.Marshal(pair.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, val...)
	}
	buf = append(buf, '}')
	return buf, nil
}
