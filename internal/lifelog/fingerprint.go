package lifelog

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Fingerprint computes a stable hex digest over the fields that mark an entry
// as "changed": id, provider update time, title, start and end time. The same
// entry state always hashes to the same value, which makes the hash usable as
// the analysis-staleness oracle: an entry needs (re)analysis exactly when no
// analysis row exists for the current schema version or the stored payload hash
// differs from this fingerprint.
func Fingerprint(e Entry) string {
	h := sha256.New()
	for _, field := range []string{
		e.ID,
		e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		e.Title,
		e.StartTime,
		e.EndTime,
	} {
		h.Write([]byte(field))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
