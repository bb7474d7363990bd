package vad

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
)

// ShouldGate reports whether the gate applies to uid. The bucket is derived
// from md5 so it is stable across processes.
func ShouldGate(uid string, mode Mode, rolloutPct int) bool {
	if mode != ModeShadow && mode != ModeActive {
		return false
	}
	if rolloutPct >= 100 {
		return true
	}
	if rolloutPct <= 0 {
		return false
	}
	return bucket(uid) < rolloutPct
}

func bucket(uid string) int {
	sum := md5.Sum([]byte(uid))
	prefix := hex.EncodeToString(sum[:])[:8]
	n, err := strconv.ParseUint(prefix, 16, 64)
	if err != nil {
		return 0
	}
	return int(n % 100)
}
