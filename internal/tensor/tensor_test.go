package tensor

import "testing"

func TestNewShapeAndLen(t *testing.T) {
	t.Parallel()

	x := New(3, 4)
	if x.Len() != 12 {
		t.Fatalf("len: got %d want 12", x.Len())
	}
	if len(x.Row(2)) != 4 {
		t.Fatalf("row length: got %d want 4", len(x.Row(2)))
	}
}

func TestFillRandDeterministic(t *testing.T) {
	t.Parallel()

	a := New(8, 8)
	b := New(8, 8)
	a.FillRand(42, 0.02)
	b.FillRand(42, 0.02)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("same seed diverged at %d", i)
		}
	}

	c := New(8, 8)
	c.FillRand(43, 0.02)
	same := true
	for i := range a.Data {
		if a.Data[i] != c.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("different seeds produced identical fills")
	}
}

func TestFillRandBounded(t *testing.T) {
	t.Parallel()

	x := New(1024)
	x.FillRand(7, 0.5)
	for i, v := range x.Data {
		if v < -0.5 || v >= 0.5 {
			t.Fatalf("value %d out of range: %v", i, v)
		}
	}
}

func TestTreeNamesSorted(t *testing.T) {
	t.Parallel()

	tr := Tree{"w": New(2), "b": New(2), "emb": New(2)}
	names := tr.Names()
	want := []string{"b", "emb", "w"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names: got %v want %v", names, want)
		}
	}
}

func TestTreeCloneIsDeep(t *testing.T) {
	t.Parallel()

	tr := Tree{"w": New(2)}
	tr["w"].Data[0] = 1
	cp := tr.Clone()
	cp["w"].Data[0] = 2
	if tr["w"].Data[0] != 1 {
		t.Fatal("clone shares backing data")
	}
	if !tr.Equal(tr.Clone()) {
		t.Fatal("clone not equal to source")
	}
}

func TestTreeEqualDetectsDrift(t *testing.T) {
	t.Parallel()

	a := Tree{"w": New(2)}
	b := a.Clone()
	if !a.Equal(b) {
		t.Fatal("expected equal trees")
	}
	b["w"].Data[1] = 0.5
	if a.Equal(b) {
		t.Fatal("expected value drift to be detected")
	}
	if a.Equal(Tree{"w": New(3)}) {
		t.Fatal("expected shape mismatch to be detected")
	}
}
