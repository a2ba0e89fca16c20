package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"
)

// SortedIDs returns a sorted copy of ids
func SortedIDs(ids []uint) []uint {
	out := slices.Clone(ids)
	slices.Sort(out)
	return out
}

// IDSetKey renders the sorted id set as a comma separated string.
// Two slices with the same members produce the same key regardless of order.
func IDSetKey(ids []uint) string {
	sorted := SortedIDs(ids)
	var b strings.Builder
	for i, id := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(id), 10))
	}
	return b.String()
}

// IDSetDigest returns the hex sha256 of IDSetKey(ids)
func IDSetDigest(ids []uint) string {
	sum := sha256.Sum256([]byte(IDSetKey(ids)))
	return hex.EncodeToString(sum[:])
}
