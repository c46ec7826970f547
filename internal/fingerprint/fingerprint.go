// Copyright 2025 James Ross
// Package fingerprint computes the deterministic structural hash used as the
// dispatcher's routing key (spec.md §4.1). The hash is pure: no clocks, no
// counters, and independent of map iteration order.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Of returns the 64 hex character SHA-256 digest of a workflow's canonical
// encoding. Equal structures produce equal fingerprints regardless of map
// key order at any depth; arrays keep their source order.
func Of(workflow map[string]any) string {
	h := sha256.New()
	canonicalize(h, deepClone(workflow))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize writes a self-delimiting encoding of v to h. Every mapping is
// written with keys sorted in lexicographic byte order; every value is
// preceded by a type tag so that, e.g., the string "1" and the number 1
// never collide.
func canonicalize(h interface{ Write([]byte) (int, error) }, v any) {
	switch x := v.(type) {
	case nil:
		h.Write([]byte("n:"))
	case bool:
		if x {
			h.Write([]byte("b:1"))
		} else {
			h.Write([]byte("b:0"))
		}
	case string:
		h.Write([]byte("s:"))
		writeLenPrefixed(h, []byte(x))
	case float64:
		h.Write([]byte("f:"))
		h.Write([]byte(formatNumber(x)))
	case int:
		h.Write([]byte("f:"))
		h.Write([]byte(formatNumber(float64(x))))
	case int64:
		h.Write([]byte("f:"))
		h.Write([]byte(formatNumber(float64(x))))
	case []any:
		h.Write([]byte("a:"))
		h.Write([]byte(strconv.Itoa(len(x))))
		h.Write([]byte(":"))
		for _, elem := range x {
			canonicalize(h, elem)
			h.Write([]byte(","))
		}
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		h.Write([]byte("m:"))
		h.Write([]byte(strconv.Itoa(len(keys))))
		h.Write([]byte(":"))
		for _, k := range keys {
			writeLenPrefixed(h, []byte(k))
			h.Write([]byte("="))
			canonicalize(h, x[k])
			h.Write([]byte(";"))
		}
	default:
		// Unsupported scalar: fold into its default string form rather than
		// panic, so malformed-but-present node metadata never crashes
		// routing.
		h.Write([]byte("u:"))
		writeLenPrefixed(h, []byte(fmt.Sprintf("%v", x)))
	}
}

func writeLenPrefixed(h interface{ Write([]byte) (int, error) }, b []byte) {
	h.Write([]byte(strconv.Itoa(len(b))))
	h.Write([]byte(":"))
	h.Write(b)
}

// formatNumber renders a float64 with a fixed, non-locale representation
// with no trailing zeros and no NaN/Infinity (spec.md §4.1 scalar
// guarantee). NaN/Infinity fold to a sentinel rather than producing
// non-deterministic Go formatting.
func formatNumber(f float64) string {
	if f != f { // NaN
		return "NaN"
	}
	if math.IsInf(f, 0) {
		return "Inf"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// deepClone defensively copies workflow so later caller-side mutation of the
// original structure can never influence an already-computed fingerprint or
// any code holding onto it.
func deepClone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(x))
		for k, val := range x {
			cp[k] = deepClone(val)
		}
		return cp
	case []any:
		cp := make([]any, len(x))
		for i, val := range x {
			cp[i] = deepClone(val)
		}
		return cp
	default:
		return x
	}
}
