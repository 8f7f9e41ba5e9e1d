package proxy

import (
	"encoding/binary"
	"time"
)

// hotCacheTTL bounds how long an entry survives in the in-memory
// accelerator before otter evicts it. This is purely a performance knob --
// the canonical copy lives in the store's cache table regardless and is
// never evicted, so a low TTL here only affects hit rate, never
// correctness.
const hotCacheTTL = 10 * time.Minute

// encodeHotEntry packs a cached (status, body) pair into the accelerator's
// flat []byte value: a 4-byte big-endian status prefix followed by body.
func encodeHotEntry(status int, body []byte) []byte {
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(status))
	copy(buf[4:], body)
	return buf
}

// decodeHotEntry reverses encodeHotEntry. ok is false if data is too short
// to have been produced by encodeHotEntry.
func decodeHotEntry(data []byte) (status int, body []byte, ok bool) {
	if len(data) < 4 {
		return 0, nil, false
	}
	status = int(binary.BigEndian.Uint32(data[:4]))
	return status, data[4:], true
}
