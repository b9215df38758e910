package sampler

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// permutation is a seedable bijection over [0, n) computed point-wise: a
// four-round Feistel network over the smallest even-bit-width domain
// covering n, with cycle-walking to stay inside [0, n). Nothing is
// materialized, so the full example index space can be permuted by index
// no matter how large the dataset is.
type permutation struct {
	n        int64
	halfBits uint
	halfMask uint64
	keys     [4]uint64
}

// newPermutation derives the permutation for one epoch from the dataset
// identity, the run seed, and the epoch number. Re-deriving with the same
// triple always yields the same order; bumping the epoch yields an
// independent one.
func newPermutation(datasetID string, seed uint64, epoch int64, n int64) (*permutation, error) {
	if n <= 0 {
		return nil, fmt.Errorf("permutation domain must be positive, got %d", n)
	}
	var material [8 + 8]byte
	binary.LittleEndian.PutUint64(material[0:8], seed)
	binary.LittleEndian.PutUint64(material[8:16], uint64(epoch))
	h := sha256.New()
	h.Write([]byte(datasetID))
	h.Write(material[:])
	digest := h.Sum(nil)

	p := &permutation{n: n}
	for i := range p.keys {
		p.keys[i] = binary.LittleEndian.Uint64(digest[i*8:])
	}

	half := uint(1)
	for int64(1)<<(2*half) < n {
		half++
	}
	p.halfBits = half
	p.halfMask = uint64(1)<<half - 1
	return p, nil
}

// index maps position i of the epoch's logical shuffle to an example index.
func (p *permutation) index(i int64) int64 {
	if i < 0 || i >= p.n {
		panic(fmt.Sprintf("permutation index %d out of [0,%d)", i, p.n))
	}
	x := uint64(i)
	for {
		x = p.feistel(x)
		if int64(x) < p.n {
			return int64(x)
		}
	}
}

func (p *permutation) feistel(x uint64) uint64 {
	l := x >> p.halfBits
	r := x & p.halfMask
	for _, k := range p.keys {
		l, r = r, l^(p.round(r, k)&p.halfMask)
	}
	return l<<p.halfBits | r
}

func (p *permutation) round(r, key uint64) uint64 {
	z := r + key + 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
