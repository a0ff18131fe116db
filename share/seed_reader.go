package wgshare

import (
	"crypto/sha512"
	"encoding/binary"
)

// seedRounds is the number of SHA-512 passes applied to a seed before any
// output is produced
const seedRounds = 2048

// SeedReader is an endless byte stream that is a pure function of its seed.
// Block i of the stream is SHA-512(key || i), where key is the seed stretched
// through seedRounds passes of SHA-512 and i is a big-endian uint64.
type SeedReader struct {
	key     [sha512.Size]byte
	counter uint64
	block   []byte
}

// NewSeedReader creates a SeedReader for seed
func NewSeedReader(seed []byte) *SeedReader {
	r := &SeedReader{key: sha512.Sum512(seed)}
	for i := 1; i < seedRounds; i++ {
		r.key = sha512.Sum512(r.key[:])
	}
	return r
}

// Read fills b and never fails
func (r *SeedReader) Read(b []byte) (int, error) {
	n := 0
	for n < len(b) {
		if len(r.block) == 0 {
			var in [sha512.Size + 8]byte
			copy(in[:], r.key[:])
			binary.BigEndian.PutUint64(in[sha512.Size:], r.counter)
			r.counter++
			sum := sha512.Sum512(in[:])
			r.block = sum[:]
		}
		c := copy(b[n:], r.block)
		r.block = r.block[c:]
		n += c
	}
	return n, nil
}
