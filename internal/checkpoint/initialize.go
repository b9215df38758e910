package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/keelml/keel/internal/model"
	"github.com/keelml/keel/internal/tensor"
)

// Initialize materializes the TrainingState for a run start. Sources, in
// priority order: the run's own latest checkpoint, then a foreign
// pretrained checkpoint, then fresh random initialization from the model's
// declared shapes.
func (m *Manager) Initialize(foreign *Foreign, seed uint64) (*TrainingState, error) {
	step, ok, err := m.LatestStep()
	if err != nil {
		return nil, err
	}
	if ok {
		m.log.Info("resuming from checkpoint", "step", step)
		return m.Load(step, foreign)
	}
	if foreign != nil && foreign.Path != "" {
		m.log.Info("seeding from pretrained checkpoint", "path", foreign.Path, "revision", foreign.Revision)
		return m.initializeForeign(foreign, seed)
	}
	m.log.Info("fresh initialization", "seed", seed)
	return m.freshState(seed)
}

func (m *Manager) freshState(seed uint64) (*TrainingState, error) {
	params, err := model.Init(m.opts.Arch, m.opts.ModelConfig, seed)
	if err != nil {
		return nil, err
	}
	return &TrainingState{
		RNG:    seed,
		Params: params,
		OptMu:  params.ZerosLike(),
		OptNu:  params.ZerosLike(),
	}, nil
}

// initializeForeign copies the shape-compatible parameter subset from a
// pretrained checkpoint. Parameters the foreign checkpoint lacks, such as
// freshly added adapters, keep their fresh initialization. A parameter
// present under the same name with a different shape is a configuration
// error, not something to silently skip.
func (m *Manager) initializeForeign(foreign *Foreign, seed uint64) (*TrainingState, error) {
	state, err := m.freshState(seed)
	if err != nil {
		return nil, err
	}
	tf, err := openTensors(foreign.Path)
	if err != nil {
		return nil, err
	}
	if foreign.Revision != "" {
		if rev, ok := tf.meta["revision"]; ok && rev != foreign.Revision {
			return nil, fmt.Errorf("%w: pretrained checkpoint revision %q, pinned %q",
				ErrIncompatible, rev, foreign.Revision)
		}
	}
	copied := 0
	for _, name := range state.Params.Names() {
		shape, ok := tf.shape(name)
		if !ok {
			continue
		}
		if !tensor.SameShape(shape, state.Params[name].Shape) {
			return nil, fmt.Errorf("%w: pretrained parameter %s has shape %v, model declares %v",
				ErrIncompatible, name, shape, state.Params[name].Shape)
		}
		t, err := tf.read(name)
		if err != nil {
			return nil, err
		}
		state.Params[name] = t
		copied++
	}
	m.log.Info("copied pretrained parameters", "copied", copied, "total", len(state.Params))
	return state, nil
}

// Load restores the checkpoint at step and validates it against the
// current run. For adapter-only checkpoints the frozen base comes from the
// foreign checkpoint and the stored base fingerprint must match it.
func (m *Manager) Load(step int64, foreign *Foreign) (*TrainingState, error) {
	dir := stepDir(m.opts.Dir, step)
	manifest, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	if manifest.Step != step {
		return nil, fmt.Errorf("%w: directory %s holds step %d", ErrCorrupt, dir, manifest.Step)
	}
	if manifest.MeshFingerprint != m.opts.Mesh.Fingerprint() {
		return nil, fmt.Errorf("%w: checkpoint sharded for mesh %q, run resolves %q",
			ErrIncompatible, manifest.MeshFingerprint, m.opts.Mesh.Fingerprint())
	}
	if manifest.AdapterOnly != m.opts.AdapterOnly {
		return nil, fmt.Errorf("%w: adapter_only %v in checkpoint, %v in run",
			ErrIncompatible, manifest.AdapterOnly, m.opts.AdapterOnly)
	}

	specs, err := m.opts.Arch.ParamSpecs(m.opts.ModelConfig)
	if err != nil {
		return nil, err
	}
	declared := make(map[string][]int, len(specs))
	for _, s := range specs {
		declared[s.Name] = s.Shape
	}
	for _, pm := range manifest.Params {
		shape, ok := declared[pm.Name]
		if !ok {
			return nil, fmt.Errorf("%w: checkpoint parameter %s not declared by model", ErrIncompatible, pm.Name)
		}
		if !tensor.SameShape(shape, pm.Shape) {
			return nil, fmt.Errorf("%w: parameter %s has shape %v, model declares %v",
				ErrIncompatible, pm.Name, pm.Shape, shape)
		}
	}

	tf, err := openTensors(filepath.Join(dir, "state.tensors"))
	if err != nil {
		return nil, err
	}

	var state *TrainingState
	if m.opts.AdapterOnly {
		// Rebuild the frozen base, then overlay the stored adapters.
		if foreign == nil || foreign.Path == "" {
			return nil, fmt.Errorf("%w: adapter checkpoint needs its base checkpoint", ErrIncompatible)
		}
		state, err = m.initializeForeign(foreign, manifest.RNG)
		if err != nil {
			return nil, err
		}
		if fp := baseFingerprint(state.Params, specs); !m.opts.AllowBaseDrift && fp != manifest.BaseFingerprint {
			return nil, fmt.Errorf("%w: base checkpoint fingerprint %s, adapter trained against %s",
				ErrIncompatible, fp, manifest.BaseFingerprint)
		}
	} else {
		state = &TrainingState{
			Params: make(tensor.Tree),
			OptMu:  make(tensor.Tree),
			OptNu:  make(tensor.Tree),
		}
	}
	state.Step = manifest.Step
	state.RNG = manifest.RNG

	if !m.opts.AdapterOnly {
		// Fill moment trees for everything, then overwrite from the file.
		fresh, err := m.freshState(manifest.RNG)
		if err != nil {
			return nil, err
		}
		state.Params = fresh.Params
		state.OptMu = fresh.OptMu
		state.OptNu = fresh.OptNu
	}

	for _, name := range tf.names() {
		role, param, ok := strings.Cut(name, "/")
		if !ok {
			return nil, fmt.Errorf("%w: unprefixed tensor %s in state file", ErrCorrupt, name)
		}
		t, err := tf.read(name)
		if err != nil {
			return nil, err
		}
		var dst tensor.Tree
		switch role {
		case "param":
			dst = state.Params
		case "opt_mu":
			dst = state.OptMu
		case "opt_nu":
			dst = state.OptNu
		default:
			return nil, fmt.Errorf("%w: unknown tensor role %s", ErrCorrupt, role)
		}
		if cur, ok := dst[param]; ok && !tensor.SameShape(cur.Shape, t.Shape) {
			return nil, fmt.Errorf("%w: tensor %s shape %v disagrees with declared %v",
				ErrCorrupt, name, t.Shape, cur.Shape)
		}
		dst[param] = t
	}

	// Every declared parameter must now be present.
	for _, s := range specs {
		if _, ok := state.Params[s.Name]; !ok {
			return nil, fmt.Errorf("%w: parameter %s missing after restore", ErrCorrupt, s.Name)
		}
	}
	return state, nil
}

func readManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, dir, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, dir, err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("%w: %s: manifest version %d", ErrCorrupt, dir, manifest.Version)
	}
	return &manifest, nil
}

// ReadManifest exposes a checkpoint's manifest for inspection tooling.
func ReadManifest(dir string) (*Manifest, error) {
	return readManifest(dir)
}
