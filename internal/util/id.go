package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a URL-safe hex ID, optionally prefixed ("prj" -> "prj_3f9c...").
func NewID(prefix string) string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	if prefix == "" {
		return hex.EncodeToString(b)
	}
	return prefix + "_" + hex.EncodeToString(b)
}
