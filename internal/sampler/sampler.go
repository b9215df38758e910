// Package sampler draws the deterministic sequence of training examples a
// run consumes. Batches are a pure function of (dataset identity, seed,
// step, batch size): restarts, process counts, and prefetch timing cannot
// change training order.
package sampler

import (
	"fmt"
	"sync"
)

// Dataset is the token stream the sampler slices examples from.
// *cache.Reader satisfies it.
type Dataset interface {
	TotalTokens() int64
	ReadTokens(start, n int64) ([]int32, error)
	Fingerprint() string
}

// Example is one fixed-length training example. Targets are Inputs shifted
// by one token; LossMask zeroes positions that would predict across a
// document boundary.
type Example struct {
	Index    int64 // example index in the unshuffled stream
	Inputs   []int32
	Targets  []int32
	LossMask []float32
}

// Sampler produces reproducible batches over a dataset.
type Sampler struct {
	ds     Dataset
	seqLen int
	seed   uint64
	eos    int32
	n      int64 // examples per epoch

	mu    sync.Mutex
	epoch int64
	perm  *permutation
}

// New creates a sampler cutting the dataset into examples of seqLen tokens.
// Each example consumes seqLen+1 tokens (inputs plus shifted targets).
func New(ds Dataset, seqLen int, seed uint64, eos int32) (*Sampler, error) {
	if seqLen <= 0 {
		return nil, fmt.Errorf("sequence length must be positive, got %d", seqLen)
	}
	n := ds.TotalTokens() / int64(seqLen+1)
	if n == 0 {
		return nil, fmt.Errorf("dataset too small: %d tokens for sequence length %d",
			ds.TotalTokens(), seqLen)
	}
	return &Sampler{ds: ds, seqLen: seqLen, seed: seed, eos: eos, n: n, epoch: -1}, nil
}

// NumExamples is the number of examples in one epoch.
func (s *Sampler) NumExamples() int64 { return s.n }

// Batch returns the examples for one training step. The same (step,
// batchSize) always yields the same batch; positions past an epoch boundary
// roll into the next epoch's independently derived permutation.
func (s *Sampler) Batch(step int64, batchSize int) ([]Example, error) {
	if step < 0 || batchSize <= 0 {
		return nil, fmt.Errorf("invalid batch request: step %d size %d", step, batchSize)
	}
	out := make([]Example, batchSize)
	base := step * int64(batchSize)
	for j := range out {
		pos := base + int64(j)
		idx, err := s.indexAt(pos)
		if err != nil {
			return nil, err
		}
		ex, err := s.exampleAt(idx)
		if err != nil {
			return nil, err
		}
		out[j] = ex
	}
	return out, nil
}

// indexAt maps a global position in the run's example sequence to a
// shuffled example index.
func (s *Sampler) indexAt(pos int64) (int64, error) {
	epoch := pos / s.n
	within := pos % s.n

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perm == nil || epoch != s.epoch {
		perm, err := newPermutation(s.ds.Fingerprint(), s.seed, epoch, s.n)
		if err != nil {
			return 0, err
		}
		s.perm, s.epoch = perm, epoch
	}
	return s.perm.index(within), nil
}

// exampleAt materializes example idx of the unshuffled stream.
func (s *Sampler) exampleAt(idx int64) (Example, error) {
	l := int64(s.seqLen)
	tokens, err := s.ds.ReadTokens(idx*(l+1), l+1)
	if err != nil {
		return Example{}, err
	}
	ex := Example{
		Index:    idx,
		Inputs:   tokens[:l],
		Targets:  tokens[1 : l+1],
		LossMask: make([]float32, l),
	}
	for i, tok := range ex.Inputs {
		if tok == s.eos {
			continue // no loss for the position after a document ends
		}
		ex.LossMask[i] = 1
	}
	return ex, nil
}
