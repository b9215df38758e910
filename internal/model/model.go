// Package model defines the capability surface the training loop depends
// on: parameter shape declaration and loss/gradient computation. The
// orchestrator never touches a concrete architecture beyond this interface.
package model

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/keelml/keel/internal/precision"
	"github.com/keelml/keel/internal/sampler"
	"github.com/keelml/keel/internal/tensor"
)

// Config is the model section of the run config.
type Config struct {
	Arch      string
	VocabSize int
	Hidden    int
	SeqLen    int
	LoRARank  int // 0 disables adapters
}

// ParamSpec declares one named parameter.
type ParamSpec struct {
	Name      string
	Shape     []int
	InitScale float32
	Adapter   bool // LoRA-added; the only trainable params in adapter mode
}

// Arch is the capability set a model variant must expose.
type Arch interface {
	Name() string
	ParamSpecs(cfg Config) ([]ParamSpec, error)
	// LossAndGrad computes the masked mean next-token loss over the batch
	// and its gradient for every parameter in params. Pure: params are not
	// mutated.
	LossAndGrad(cfg Config, params tensor.Tree, batch []sampler.Example, pol precision.Policy) (float32, tensor.Tree, error)
}

// Resolve returns the architecture registered under name.
func Resolve(name string) (Arch, error) {
	switch name {
	case "bilinear":
		return bilinear{}, nil
	default:
		return nil, fmt.Errorf("unknown model architecture %q", name)
	}
}

// Init builds a fresh parameter tree for cfg. Each tensor's fill depends
// only on (seed, parameter name), so initialization is reproducible and
// insensitive to spec ordering.
func Init(arch Arch, cfg Config, seed uint64) (tensor.Tree, error) {
	specs, err := arch.ParamSpecs(cfg)
	if err != nil {
		return nil, err
	}
	params := make(tensor.Tree, len(specs))
	for _, spec := range specs {
		t := tensor.New(spec.Shape...)
		if spec.InitScale != 0 {
			t.FillRand(paramSeed(seed, spec.Name), spec.InitScale)
		}
		params[spec.Name] = t
	}
	return params, nil
}

func paramSeed(seed uint64, name string) uint64 {
	h := sha256.New()
	var s [8]byte
	binary.LittleEndian.PutUint64(s[:], seed)
	h.Write(s[:])
	h.Write([]byte(name))
	return binary.LittleEndian.Uint64(h.Sum(nil)[:8])
}
