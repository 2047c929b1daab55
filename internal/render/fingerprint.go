package render

import (
	"encoding/hex"
	"io"

	"github.com/zeebo/blake3"
)

// Fingerprint is a 128-bit content digest used only to detect changes
type Fingerprint [16]byte

// Sum fingerprints data
func Sum(data []byte) Fingerprint {
	full := blake3.Sum256(data)
	var fp Fingerprint
	copy(fp[:], full[:])
	return fp
}

// SumReader fingerprints everything read from r
func SumReader(r io.Reader) (Fingerprint, error) {
	hasher := blake3.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return Fingerprint{}, err
	}
	var fp Fingerprint
	copy(fp[:], hasher.Sum(nil))
	return fp, nil
}

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether f was never computed
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}
