// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package bucketpath

import (
	"cmp"
	"log"
	"sort"
	"strconv"
	"strings"
)

// parseRevisionTuple splits a dotted revision string (e.g. "94.0.4606") into
// its integer components. It fails if any component is not a non-negative
// integer.
func parseRevisionTuple(s string) ([]int, bool) {
	parts := strings.Split(s, ".")
	tuple := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, false
		}
		tuple[i] = n
	}
	return tuple, true
}

// compareRevisions orders two revision strings numerically, component by
// dotted component (as Section 4.A requires: "split on '.', compare
// element-wise as integers"). If either fails to parse as a dotted-integer
// tuple it falls back to a plain lexicographic comparison of the two
// strings, mirroring the whole-list fallback in sortByRevisionDesc.
func compareRevisions(a, b string) int {
	at, aok := parseRevisionTuple(a)
	bt, bok := parseRevisionTuple(b)
	if !aok || !bok {
		return strings.Compare(a, b)
	}
	for i := 0; i < len(at) && i < len(bt); i++ {
		if c := cmp.Compare(at[i], bt[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(at), len(bt))
}

// sortByRevisionDesc sorts entries in place by descending revision, using
// revOf to extract each entry's revision string. If any revision in the
// slice fails to parse as a dotted-integer tuple, the whole sort falls back
// to lexicographic order on the revision string (with a logged warning),
// rather than silently mis-ordering a subset. tieBreak orders entries whose
// revisions compare equal (e.g. duplicate listings from different
// providers), keeping the sort stable and deterministic.
func sortByRevisionDesc[T any](entries []T, revOf func(T) string, tieBreak func(a, b T) bool) {
	allParse := true
	for _, e := range entries {
		if _, ok := parseRevisionTuple(revOf(e)); !ok {
			allParse = false
			break
		}
	}
	if !allParse {
		log.Printf("bucketpath: one or more revisions are not dotted-integer tuples; falling back to lexicographic sort")
	}
	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := revOf(entries[i]), revOf(entries[j])
		if !allParse {
			if ri != rj {
				return ri > rj
			}
			return tieBreak(entries[i], entries[j])
		}
		if c := compareRevisions(ri, rj); c != 0 {
			return c > 0
		}
		return tieBreak(entries[i], entries[j])
	})
}
