package model

import (
	"fmt"
	"math"

	"github.com/keelml/keel/internal/precision"
	"github.com/keelml/keel/internal/sampler"
	"github.com/keelml/keel/internal/tensor"
)

// Parameter names of the bilinear architecture.
const (
	ParamEmbed = "embed"  // [V, H]
	ParamProj  = "proj"   // [H, V]
	ParamBias  = "bias"   // [V]
	ParamLoRAA = "lora_a" // [H, r]
	ParamLoRAB = "lora_b" // [r, V]
)

// bilinear is the reference architecture: an embedding table and a
// projection back to vocabulary logits, with next-token cross-entropy.
// Small enough that gradients are closed-form, which keeps the training
// loop exercisable without an autodiff engine. With a LoRA rank the
// projection becomes proj + lora_a·lora_b and only the adapters train.
type bilinear struct{}

func (bilinear) Name() string { return "bilinear" }

func (bilinear) ParamSpecs(cfg Config) ([]ParamSpec, error) {
	if cfg.VocabSize <= 0 || cfg.Hidden <= 0 {
		return nil, fmt.Errorf("bilinear: invalid dimensions vocab=%d hidden=%d", cfg.VocabSize, cfg.Hidden)
	}
	specs := []ParamSpec{
		{Name: ParamEmbed, Shape: []int{cfg.VocabSize, cfg.Hidden}, InitScale: 0.02},
		{Name: ParamProj, Shape: []int{cfg.Hidden, cfg.VocabSize}, InitScale: 0.02},
		{Name: ParamBias, Shape: []int{cfg.VocabSize}},
	}
	if cfg.LoRARank > 0 {
		specs = append(specs,
			// Standard LoRA init: A random, B zero, so the adapted
			// projection starts exactly at the base weights.
			ParamSpec{Name: ParamLoRAA, Shape: []int{cfg.Hidden, cfg.LoRARank}, InitScale: 0.02, Adapter: true},
			ParamSpec{Name: ParamLoRAB, Shape: []int{cfg.LoRARank, cfg.VocabSize}, Adapter: true},
		)
	}
	return specs, nil
}

func (bilinear) LossAndGrad(cfg Config, params tensor.Tree, batch []sampler.Example, pol precision.Policy) (float32, tensor.Tree, error) {
	emb, proj, bias := params[ParamEmbed], params[ParamProj], params[ParamBias]
	if emb == nil || proj == nil || bias == nil {
		return 0, nil, fmt.Errorf("bilinear: parameter tree missing base parameters")
	}
	v, h := cfg.VocabSize, cfg.Hidden
	var loraA, loraB *tensor.Tensor
	if cfg.LoRARank > 0 {
		loraA, loraB = params[ParamLoRAA], params[ParamLoRAB]
		if loraA == nil || loraB == nil {
			return 0, nil, fmt.Errorf("bilinear: lora rank %d but adapter parameters missing", cfg.LoRARank)
		}
	}

	grads := params.ZerosLike()
	gEmb, gProj, gBias := grads[ParamEmbed], grads[ParamProj], grads[ParamBias]

	// Count positions contributing loss first so gradients scale by the
	// true masked mean.
	var positions float64
	for _, ex := range batch {
		for _, m := range ex.LossMask {
			positions += float64(m)
		}
	}
	if positions == 0 {
		return 0, grads, nil
	}
	invN := float32(1 / positions)

	rank := cfg.LoRARank
	logits := make([]float32, v)
	probs := make([]float64, v)
	dlogits := make([]float32, v)
	hid := make([]float32, h)
	aProj := make([]float32, rank) // hid · lora_a, per position

	var totalLoss float64
	for _, ex := range batch {
		for t := range ex.Inputs {
			if ex.LossMask[t] == 0 {
				continue
			}
			x, y := int(ex.Inputs[t]), int(ex.Targets[t])
			if x < 0 || x >= v || y < 0 || y >= v {
				return 0, nil, fmt.Errorf("bilinear: token out of vocabulary: input %d target %d", x, y)
			}

			embRow := emb.Row(x)
			for i := range hid {
				hid[i] = precision.RoundTrip(embRow[i], pol.Compute)
			}
			for r := 0; r < rank; r++ {
				var sum float32
				for i := 0; i < h; i++ {
					sum += hid[i] * loraA.Row(i)[r]
				}
				aProj[r] = sum
			}
			for j := 0; j < v; j++ {
				sum := bias.Data[j]
				for i := 0; i < h; i++ {
					sum += hid[i] * proj.Row(i)[j]
				}
				for r := 0; r < rank; r++ {
					sum += aProj[r] * loraB.Row(r)[j]
				}
				logits[j] = precision.RoundTrip(sum, pol.Compute)
			}

			// Stable softmax cross-entropy.
			maxLogit := logits[0]
			for _, l := range logits[1:] {
				if l > maxLogit {
					maxLogit = l
				}
			}
			var z float64
			for j, l := range logits {
				probs[j] = math.Exp(float64(l - maxLogit))
				z += probs[j]
			}
			totalLoss += math.Log(z) - float64(logits[y]-maxLogit)

			// dlogits = (softmax - onehot(y)) / positions
			for j := 0; j < v; j++ {
				dlogits[j] = float32(probs[j]/z) * invN
			}
			dlogits[y] -= invN

			gRow := gEmb.Row(x)
			for j := 0; j < v; j++ {
				d := dlogits[j]
				gBias.Data[j] += d
				for i := 0; i < h; i++ {
					gProj.Row(i)[j] += hid[i] * d
					gRow[i] += proj.Row(i)[j] * d
				}
			}
			if rank > 0 {
				ga, gb := grads[ParamLoRAA], grads[ParamLoRAB]
				for r := 0; r < rank; r++ {
					// dB = aProj ⊗ dlogits; dback_r = loraB_r · dlogits
					var dback float32
					for j := 0; j < v; j++ {
						gb.Row(r)[j] += aProj[r] * dlogits[j]
						dback += loraB.Row(r)[j] * dlogits[j]
					}
					for i := 0; i < h; i++ {
						ga.Row(i)[r] += hid[i] * dback
						gRow[i] += loraA.Row(i)[r] * dback
					}
				}
			}
		}
	}
	return float32(totalLoss / positions), grads, nil
}
