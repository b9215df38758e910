package sampler

import (
	"context"
	"fmt"
	"testing"
)

// memDataset is an in-memory token stream: token i has value i % 1000.
type memDataset struct {
	tokens []int32
	id     string
}

func newMemDataset(n int, id string) *memDataset {
	d := &memDataset{tokens: make([]int32, n), id: id}
	for i := range d.tokens {
		d.tokens[i] = int32(i % 1000)
	}
	return d
}

func (d *memDataset) TotalTokens() int64 { return int64(len(d.tokens)) }
func (d *memDataset) Fingerprint() string {
	return d.id
}
func (d *memDataset) ReadTokens(start, n int64) ([]int32, error) {
	if start < 0 || start+n > int64(len(d.tokens)) {
		return nil, fmt.Errorf("range [%d,%d) out of bounds", start, start+n)
	}
	return d.tokens[start : start+n], nil
}

func TestBatchDeterministic(t *testing.T) {
	t.Parallel()

	ds := newMemDataset(10_000, "ds")
	a, err := New(ds, 9, 42, -1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b, err := New(ds, 9, 42, -1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for step := int64(0); step < 5; step++ {
		ba, err := a.Batch(step, 16)
		if err != nil {
			t.Fatalf("batch a: %v", err)
		}
		bb, err := b.Batch(step, 16)
		if err != nil {
			t.Fatalf("batch b: %v", err)
		}
		for j := range ba {
			if ba[j].Index != bb[j].Index {
				t.Fatalf("step %d example %d: index %d vs %d", step, j, ba[j].Index, bb[j].Index)
			}
			for i := range ba[j].Inputs {
				if ba[j].Inputs[i] != bb[j].Inputs[i] {
					t.Fatalf("step %d: diverging inputs", step)
				}
			}
		}
	}
}

func TestSeedChangesOrder(t *testing.T) {
	t.Parallel()

	ds := newMemDataset(10_000, "ds")
	a, _ := New(ds, 9, 1, -1)
	b, _ := New(ds, 9, 2, -1)
	ba, err := a.Batch(0, 32)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	bb, err := b.Batch(0, 32)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	same := true
	for j := range ba {
		if ba[j].Index != bb[j].Index {
			same = false
			break
		}
	}
	if same {
		t.Fatal("different seeds produced identical first batch")
	}
}

// One epoch of 1000 examples with batch size 100: steps 0..9 cover every
// example exactly once, and step 10 starts a provably different order.
func TestEpochCoverageAndReshuffle(t *testing.T) {
	t.Parallel()

	// 1000 examples of 9+1 tokens each.
	ds := newMemDataset(10_000, "epoch-ds")
	s, err := New(ds, 9, 7, -1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.NumExamples() != 1000 {
		t.Fatalf("examples: got %d want 1000", s.NumExamples())
	}

	seen := make(map[int64]bool, 1000)
	var epoch0 []int64
	for step := int64(0); step < 10; step++ {
		batch, err := s.Batch(step, 100)
		if err != nil {
			t.Fatalf("batch %d: %v", step, err)
		}
		for _, ex := range batch {
			if seen[ex.Index] {
				t.Fatalf("duplicate example %d within epoch", ex.Index)
			}
			seen[ex.Index] = true
			epoch0 = append(epoch0, ex.Index)
		}
	}
	if len(seen) != 1000 {
		t.Fatalf("epoch covered %d of 1000 examples", len(seen))
	}

	// Epoch 1 must be a different order of the same index space.
	var epoch1 []int64
	for step := int64(10); step < 20; step++ {
		batch, err := s.Batch(step, 100)
		if err != nil {
			t.Fatalf("batch %d: %v", step, err)
		}
		for _, ex := range batch {
			epoch1 = append(epoch1, ex.Index)
		}
	}
	same := true
	for i := range epoch0 {
		if epoch0[i] != epoch1[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("epoch 1 repeated epoch 0 order")
	}
}

// Resuming at step N yields the batch an uninterrupted run would have seen.
func TestResumeContinuity(t *testing.T) {
	t.Parallel()

	ds := newMemDataset(10_000, "ds")
	full, _ := New(ds, 9, 42, -1)
	for step := int64(0); step < 8; step++ {
		if _, err := full.Batch(step, 64); err != nil {
			t.Fatalf("batch: %v", err)
		}
	}
	want, err := full.Batch(8, 64)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}

	resumed, _ := New(ds, 9, 42, -1)
	got, err := resumed.Batch(8, 64)
	if err != nil {
		t.Fatalf("resumed batch: %v", err)
	}
	for j := range want {
		if want[j].Index != got[j].Index {
			t.Fatalf("resume diverged at example %d", j)
		}
	}
}

func TestLossMaskZeroAfterEOS(t *testing.T) {
	t.Parallel()

	const eos = int32(999)
	ds := &memDataset{tokens: []int32{1, 2, eos, 3, 4, 5, 6, 7, 8, 9, 10, 11}, id: "eos-ds"}
	s, err := New(ds, 5, 1, eos)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	batch, err := s.Batch(0, int(s.NumExamples()))
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	for _, ex := range batch {
		for i, tok := range ex.Inputs {
			want := float32(1)
			if tok == eos {
				want = 0
			}
			if ex.LossMask[i] != want {
				t.Fatalf("mask at %d: got %v want %v", i, ex.LossMask[i], want)
			}
		}
	}
}

func TestPrefetcherMatchesDirectBatches(t *testing.T) {
	t.Parallel()

	ds := newMemDataset(10_000, "ds")
	direct, _ := New(ds, 9, 5, -1)
	prefetched, _ := New(ds, 9, 5, -1)

	p := NewPrefetcher(context.Background(), prefetched, 3, 32, 4)
	defer p.Stop()
	for step := int64(3); step < 10; step++ {
		want, err := direct.Batch(step, 32)
		if err != nil {
			t.Fatalf("direct: %v", err)
		}
		got, err := p.Next()
		if err != nil {
			t.Fatalf("prefetched: %v", err)
		}
		for j := range want {
			if want[j].Index != got[j].Index {
				t.Fatalf("step %d: prefetch reordered examples", step)
			}
		}
	}
}

func TestPermutationIsBijection(t *testing.T) {
	t.Parallel()

	for _, n := range []int64{1, 2, 5, 100, 1000, 1023, 1025} {
		p, err := newPermutation("ds", 9, 0, n)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		seen := make(map[int64]bool, n)
		for i := int64(0); i < n; i++ {
			v := p.index(i)
			if v < 0 || v >= n {
				t.Fatalf("n=%d: value %d out of range", n, v)
			}
			if seen[v] {
				t.Fatalf("n=%d: duplicate value %d", n, v)
			}
			seen[v] = true
		}
	}
}
