package model

import (
	"math"
	"testing"

	"github.com/keelml/keel/internal/precision"
	"github.com/keelml/keel/internal/sampler"
	"github.com/keelml/keel/internal/tensor"
)

func testBatch() []sampler.Example {
	return []sampler.Example{
		{
			Inputs:   []int32{0, 1, 2, 3},
			Targets:  []int32{1, 2, 3, 4},
			LossMask: []float32{1, 1, 1, 1},
		},
		{
			Inputs:   []int32{4, 2, 0, 1},
			Targets:  []int32{2, 0, 1, 3},
			LossMask: []float32{1, 0, 1, 1},
		},
	}
}

func TestResolveUnknownArch(t *testing.T) {
	t.Parallel()

	if _, err := Resolve("mpt"); err == nil {
		t.Fatal("expected error for unregistered architecture")
	}
}

func TestParamSpecs(t *testing.T) {
	t.Parallel()

	arch, err := Resolve("bilinear")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	cfg := Config{Arch: "bilinear", VocabSize: 5, Hidden: 3}
	specs, err := arch.ParamSpecs(cfg)
	if err != nil {
		t.Fatalf("param specs: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("specs: got %d want 3", len(specs))
	}

	cfg.LoRARank = 2
	specs, err = arch.ParamSpecs(cfg)
	if err != nil {
		t.Fatalf("param specs with lora: %v", err)
	}
	adapters := 0
	for _, s := range specs {
		if s.Adapter {
			adapters++
		}
	}
	if adapters != 2 {
		t.Fatalf("adapter specs: got %d want 2", adapters)
	}
}

func TestInitDeterministic(t *testing.T) {
	t.Parallel()

	arch, _ := Resolve("bilinear")
	cfg := Config{VocabSize: 5, Hidden: 3}
	a, err := Init(arch, cfg, 11)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	b, err := Init(arch, cfg, 11)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !a.Equal(b) {
		t.Fatal("same seed produced different parameters")
	}
	c, _ := Init(arch, cfg, 12)
	if a.Equal(c) {
		t.Fatal("different seeds produced identical parameters")
	}
}

func TestLoRABStartsAtZero(t *testing.T) {
	t.Parallel()

	arch, _ := Resolve("bilinear")
	params, err := Init(arch, Config{VocabSize: 5, Hidden: 3, LoRARank: 2}, 1)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, v := range params[ParamLoRAB].Data {
		if v != 0 {
			t.Fatal("lora_b must initialize to zero")
		}
	}
}

// Finite differences validate the closed-form gradients.
func gradCheck(t *testing.T, cfg Config) {
	t.Helper()
	arch, _ := Resolve("bilinear")
	params, err := Init(arch, cfg, 3)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	// Perturb lora_b off zero so its gradient path is exercised.
	if p, ok := params[ParamLoRAB]; ok {
		p.FillRand(99, 0.02)
	}
	batch := testBatch()
	pol := precision.Default()

	_, grads, err := arch.LossAndGrad(cfg, params, batch, pol)
	if err != nil {
		t.Fatalf("loss and grad: %v", err)
	}

	const eps = 1e-3
	for _, name := range params.Names() {
		p := params[name]
		for _, k := range []int{0, p.Len() / 2, p.Len() - 1} {
			orig := p.Data[k]
			p.Data[k] = orig + eps
			plus, _, err := arch.LossAndGrad(cfg, params, batch, pol)
			if err != nil {
				t.Fatalf("loss+: %v", err)
			}
			p.Data[k] = orig - eps
			minus, _, err := arch.LossAndGrad(cfg, params, batch, pol)
			if err != nil {
				t.Fatalf("loss-: %v", err)
			}
			p.Data[k] = orig

			numeric := (float64(plus) - float64(minus)) / (2 * eps)
			analytic := float64(grads[name].Data[k])
			if diff := math.Abs(numeric - analytic); diff > 1e-2*math.Max(1, math.Abs(numeric)) {
				t.Errorf("%s[%d]: numeric %.6f analytic %.6f", name, k, numeric, analytic)
			}
		}
	}
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	t.Parallel()
	gradCheck(t, Config{VocabSize: 5, Hidden: 3})
}

func TestGradientsMatchFiniteDifferencesLoRA(t *testing.T) {
	t.Parallel()
	gradCheck(t, Config{VocabSize: 5, Hidden: 3, LoRARank: 2})
}

func TestGradientStepReducesLoss(t *testing.T) {
	t.Parallel()

	arch, _ := Resolve("bilinear")
	cfg := Config{VocabSize: 5, Hidden: 3}
	params, _ := Init(arch, cfg, 3)
	batch := testBatch()
	pol := precision.Default()

	before, grads, err := arch.LossAndGrad(cfg, params, batch, pol)
	if err != nil {
		t.Fatalf("loss: %v", err)
	}
	for name, g := range grads {
		p := params[name]
		for i := range p.Data {
			p.Data[i] -= 0.5 * g.Data[i]
		}
	}
	after, _, err := arch.LossAndGrad(cfg, params, batch, pol)
	if err != nil {
		t.Fatalf("loss after: %v", err)
	}
	if after >= before {
		t.Fatalf("gradient step did not reduce loss: %v -> %v", before, after)
	}
}

func TestMaskedPositionsDoNotContribute(t *testing.T) {
	t.Parallel()

	arch, _ := Resolve("bilinear")
	cfg := Config{VocabSize: 5, Hidden: 3}
	params, _ := Init(arch, cfg, 3)
	pol := precision.Default()

	masked := []sampler.Example{{
		Inputs:   []int32{0, 1},
		Targets:  []int32{1, 2},
		LossMask: []float32{1, 0},
	}}
	solo := []sampler.Example{{
		Inputs:   []int32{0},
		Targets:  []int32{1},
		LossMask: []float32{1},
	}}
	a, _, err := arch.LossAndGrad(cfg, params, masked, pol)
	if err != nil {
		t.Fatalf("masked: %v", err)
	}
	b, _, err := arch.LossAndGrad(cfg, params, solo, pol)
	if err != nil {
		t.Fatalf("solo: %v", err)
	}
	if a != b {
		t.Fatalf("masked position changed the loss: %v vs %v", a, b)
	}
}

func TestReducedPrecisionComputeStaysClose(t *testing.T) {
	t.Parallel()

	arch, _ := Resolve("bilinear")
	cfg := Config{VocabSize: 5, Hidden: 3}
	params, _ := Init(arch, cfg, 3)
	batch := testBatch()

	full, _, err := arch.LossAndGrad(cfg, params, batch, precision.Default())
	if err != nil {
		t.Fatalf("f32: %v", err)
	}
	bf16Pol, err := precision.Parse("c=bf16")
	if err != nil {
		t.Fatalf("parse policy: %v", err)
	}
	reduced, _, err := arch.LossAndGrad(cfg, params, batch, bf16Pol)
	if err != nil {
		t.Fatalf("bf16: %v", err)
	}
	if math.Abs(float64(full-reduced)) > 0.05 {
		t.Fatalf("bf16 loss too far from f32: %v vs %v", reduced, full)
	}
	if !tensor.SameShape([]int{5, 3}, params[ParamEmbed].Shape) {
		t.Fatal("unexpected embed shape")
	}
}
