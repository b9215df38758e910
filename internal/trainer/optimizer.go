package trainer

import (
	"math"

	"github.com/keelml/keel/internal/checkpoint"
	"github.com/keelml/keel/internal/tensor"
)

// Schedule is the AdamW configuration plus the learning-rate schedule:
// linear warmup to the peak rate, then cosine or linear decay to
// LearningRate × MinLRRatio at the final step.
type Schedule struct {
	LearningRate float64
	WeightDecay  float64
	WarmupSteps  int64
	TotalSteps   int64
	Decay        string // "cosine" or "linear"
	MinLRRatio   float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
}

// LearningRateAt returns the rate applied while taking step (zero-based).
func (s Schedule) LearningRateAt(step int64) float64 {
	peak := s.LearningRate
	if s.WarmupSteps > 0 && step < s.WarmupSteps {
		return peak * float64(step+1) / float64(s.WarmupSteps)
	}
	floor := peak * s.MinLRRatio
	span := s.TotalSteps - s.WarmupSteps
	if span <= 1 {
		return floor
	}
	progress := float64(step-s.WarmupSteps) / float64(span-1)
	if progress > 1 {
		progress = 1
	}
	if s.Decay == "linear" {
		return peak + (floor-peak)*progress
	}
	return floor + (peak-floor)*0.5*(1+math.Cos(math.Pi*progress))
}

// applyAdamW updates parameters and moments in place. trainable gates which
// parameters move; frozen ones keep their values and zero moments. Moments
// accumulate in float64 and are bias-corrected by the step count. Decoupled
// weight decay applies to matrices only.
func applyAdamW(st *checkpoint.TrainingState, grads tensor.Tree, s Schedule, trainable func(string) bool) {
	t := float64(st.Step + 1)
	c1 := 1 - math.Pow(s.Beta1, t)
	c2 := 1 - math.Pow(s.Beta2, t)
	lr := s.LearningRateAt(st.Step)

	for _, name := range st.Params.Names() {
		if !trainable(name) {
			continue
		}
		p, g := st.Params[name], grads[name]
		mu, nu := st.OptMu[name], st.OptNu[name]
		decay := 0.0
		if s.WeightDecay > 0 && len(p.Shape) >= 2 {
			decay = s.WeightDecay
		}
		for i := range p.Data {
			gi := float64(g.Data[i])
			m := s.Beta1*float64(mu.Data[i]) + (1-s.Beta1)*gi
			v := s.Beta2*float64(nu.Data[i]) + (1-s.Beta2)*gi*gi
			mu.Data[i], nu.Data[i] = float32(m), float32(v)
			update := (m/c1)/(math.Sqrt(v/c2)+s.Epsilon) + decay*float64(p.Data[i])
			p.Data[i] -= float32(lr * update)
		}
	}
}
