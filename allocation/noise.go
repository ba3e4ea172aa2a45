package allocation

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Noise bounds. The scalar only has to be unpredictable enough that an
// observer cannot correlate identical complexity/time inputs across cases; it
// is not a secret from the computing party.
const (
	noiseFloor = 100
	noiseSpan  = 100
)

// noiseScalar derives the obfuscation scalar from clock entropy, the case id,
// and the caller identity, reduced into [100,199].
func noiseScalar(caseID int64, actorID string, now time.Time) uint64 {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%d", caseID, actorID, now.UnixNano())
	sum := h.Sum(nil)
	return noiseFloor + binary.BigEndian.Uint64(sum[:8])%noiseSpan
}
