// Package checkpoint materializes training state at run start and persists
// it atomically while the run progresses.
//
// A checkpoint is one directory per step: a JSON manifest carrying shapes,
// sharding, and fingerprints used to validate compatibility on resume, plus
// a tensor container with parameters and optimizer moments. Publication is
// a rename of the fully written temporary directory, the only
// synchronization between a writing run and a resuming one.
package checkpoint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/keelml/keel/internal/logger"
	"github.com/keelml/keel/internal/mesh"
	"github.com/keelml/keel/internal/model"
	"github.com/keelml/keel/internal/tensor"
)

var (
	// ErrCorrupt reports a checkpoint whose contents disagree with its own
	// manifest or cannot be parsed. Never auto-discarded.
	ErrCorrupt = errors.New("corrupt checkpoint")
	// ErrIncompatible reports a well-formed checkpoint that does not match
	// the current run (shapes, mesh, adapter base). Requires an explicit
	// operator override to ignore.
	ErrIncompatible = errors.New("incompatible checkpoint")
)

const manifestVersion = 1

// TrainingState is the full state of a run: parameters, optimizer moments,
// the step counter, and the RNG seed state. The trainer owns the only
// mutable instance; checkpoints are its sole external serialization.
type TrainingState struct {
	Step   int64
	RNG    uint64
	Params tensor.Tree
	OptMu  tensor.Tree // first moments
	OptNu  tensor.Tree // second moments
}

// Clone deep-copies the state.
func (s *TrainingState) Clone() *TrainingState {
	return &TrainingState{
		Step:   s.Step,
		RNG:    s.RNG,
		Params: s.Params.Clone(),
		OptMu:  s.OptMu.Clone(),
		OptNu:  s.OptNu.Clone(),
	}
}

// ParamMeta records one parameter's manifest entry.
type ParamMeta struct {
	Name    string `json:"name"`
	Shape   []int  `json:"shape"`
	Adapter bool   `json:"adapter,omitempty"`
}

// Manifest is the checkpoint's compatibility record.
type Manifest struct {
	Version           int         `json:"version"`
	Step              int64       `json:"step"`
	RunID             string      `json:"run_id"`
	RNG               uint64      `json:"rng"`
	ConfigFingerprint string      `json:"config_fingerprint"`
	MeshFingerprint   string      `json:"mesh_fingerprint"`
	AdapterOnly       bool        `json:"adapter_only,omitempty"`
	BaseFingerprint   string      `json:"base_fingerprint,omitempty"`
	Params            []ParamMeta `json:"params"`
}

// Foreign names a pretrained checkpoint to seed parameters from. Revision
// pins the expected revision recorded in the file's metadata; empty skips
// the pin check.
type Foreign struct {
	Path     string
	Revision string
}

// Options configure a Manager.
type Options struct {
	Dir               string
	RunID             string
	ConfigFingerprint string
	Mesh              mesh.Mesh
	Arch              model.Arch
	ModelConfig       model.Config
	AdapterOnly       bool
	// AllowBaseDrift skips the base-fingerprint check when resuming an
	// adapter run against a changed base checkpoint.
	AllowBaseDrift bool
}

// Manager saves and restores TrainingState for one run directory.
type Manager struct {
	opts Options
	log  logger.Logger
}

// NewManager creates a checkpoint manager. The directory is created lazily
// on first save.
func NewManager(opts Options, log logger.Logger) (*Manager, error) {
	if opts.Dir == "" {
		return nil, errors.New("checkpoint: empty directory")
	}
	if opts.AdapterOnly && opts.ModelConfig.LoRARank <= 0 {
		return nil, errors.New("checkpoint: adapter-only mode requires a lora rank")
	}
	return &Manager{opts: opts, log: log}, nil
}

func stepDir(dir string, step int64) string {
	return filepath.Join(dir, fmt.Sprintf("step-%08d", step))
}

// Save persists state under its step, atomically: everything is written to
// a temporary directory and published with a single rename, so a crash
// mid-write never damages the last good checkpoint.
func (m *Manager) Save(state *TrainingState) error {
	if err := os.MkdirAll(m.opts.Dir, 0o755); err != nil {
		return err
	}
	specs, err := m.opts.Arch.ParamSpecs(m.opts.ModelConfig)
	if err != nil {
		return err
	}

	save := state
	manifest := Manifest{
		Version:           manifestVersion,
		Step:              state.Step,
		RunID:             m.opts.RunID,
		RNG:               state.RNG,
		ConfigFingerprint: m.opts.ConfigFingerprint,
		MeshFingerprint:   m.opts.Mesh.Fingerprint(),
		AdapterOnly:       m.opts.AdapterOnly,
	}
	if m.opts.AdapterOnly {
		manifest.BaseFingerprint = baseFingerprint(state.Params, specs)
		save = adapterSubset(state, specs)
	}
	for _, name := range save.Params.Names() {
		manifest.Params = append(manifest.Params, ParamMeta{
			Name:    name,
			Shape:   save.Params[name].Shape,
			Adapter: isAdapter(specs, name),
		})
	}

	tmp := filepath.Join(m.opts.Dir, "tmp-"+uuid.NewString())
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return err
	}
	cleanup := func(err error) error {
		_ = os.RemoveAll(tmp)
		return err
	}

	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return cleanup(err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "manifest.json"), manifestBytes, 0o644); err != nil {
		return cleanup(err)
	}

	f, err := os.Create(filepath.Join(tmp, "state.tensors"))
	if err != nil {
		return cleanup(err)
	}
	if err := writeTensors(f, stateTree(save), nil); err != nil {
		_ = f.Close()
		return cleanup(err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return cleanup(err)
	}
	if err := f.Close(); err != nil {
		return cleanup(err)
	}

	// Re-saving a step swaps directories: the previous checkpoint is moved
	// aside first and removed only after the new one is published, so no
	// crash point leaves the step without a complete checkpoint.
	final := stepDir(m.opts.Dir, state.Step)
	previous := ""
	if _, err := os.Stat(final); err == nil {
		previous = filepath.Join(m.opts.Dir, "tmp-old-"+uuid.NewString())
		if err := os.Rename(final, previous); err != nil {
			return cleanup(err)
		}
	}
	if err := os.Rename(tmp, final); err != nil {
		if previous != "" {
			_ = os.Rename(previous, final)
		}
		return cleanup(err)
	}
	if previous != "" {
		_ = os.RemoveAll(previous)
	}
	m.log.Info("checkpoint saved", "step", state.Step, "dir", final, "adapter_only", m.opts.AdapterOnly)
	return nil
}

// stateTree flattens a TrainingState into one tensor tree with role
// prefixes, the layout of the state.tensors file.
func stateTree(s *TrainingState) tensor.Tree {
	out := make(tensor.Tree, 3*len(s.Params))
	for name, t := range s.Params {
		out["param/"+name] = t
	}
	for name, t := range s.OptMu {
		out["opt_mu/"+name] = t
	}
	for name, t := range s.OptNu {
		out["opt_nu/"+name] = t
	}
	return out
}

func adapterSubset(s *TrainingState, specs []model.ParamSpec) *TrainingState {
	out := &TrainingState{
		Step:   s.Step,
		RNG:    s.RNG,
		Params: make(tensor.Tree),
		OptMu:  make(tensor.Tree),
		OptNu:  make(tensor.Tree),
	}
	for _, spec := range specs {
		if !spec.Adapter {
			continue
		}
		if t, ok := s.Params[spec.Name]; ok {
			out.Params[spec.Name] = t
		}
		if t, ok := s.OptMu[spec.Name]; ok {
			out.OptMu[spec.Name] = t
		}
		if t, ok := s.OptNu[spec.Name]; ok {
			out.OptNu[spec.Name] = t
		}
	}
	return out
}

func isAdapter(specs []model.ParamSpec, name string) bool {
	for _, s := range specs {
		if s.Name == name {
			return s.Adapter
		}
	}
	return false
}

// baseFingerprint hashes the frozen base parameters. An adapter checkpoint
// stores it so resume can verify the base it is overlaid on is the same
// one it was trained against.
func baseFingerprint(params tensor.Tree, specs []model.ParamSpec) string {
	h := sha256.New()
	names := params.Names()
	for _, name := range names {
		if isAdapter(specs, name) {
			continue
		}
		h.Write([]byte(name))
		var b [4]byte
		for _, v := range params[name].Data {
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
			h.Write(b[:])
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// LatestStep scans the run directory for the newest published checkpoint.
func (m *Manager) LatestStep() (int64, bool, error) {
	entries, err := os.ReadDir(m.opts.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	best := int64(-1)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "step-") {
			continue
		}
		var step int64
		if _, err := fmt.Sscanf(e.Name(), "step-%d", &step); err != nil {
			continue
		}
		if step > best {
			best = step
		}
	}
	if best < 0 {
		return 0, false, nil
	}
	return best, true, nil
}
