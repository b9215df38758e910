package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/keelml/keel/internal/checkpoint"
	"github.com/keelml/keel/internal/logger"
	"github.com/keelml/keel/internal/mesh"
	"github.com/keelml/keel/internal/model"
	"github.com/keelml/keel/internal/precision"
	"github.com/keelml/keel/internal/sampler"
)

type memDataset struct {
	tokens []int32
	id     string
}

func (d *memDataset) TotalTokens() int64 { return int64(len(d.tokens)) }
func (d *memDataset) Fingerprint() string {
	return d.id
}
func (d *memDataset) ReadTokens(start, n int64) ([]int32, error) {
	if start < 0 || start+n > int64(len(d.tokens)) {
		return nil, fmt.Errorf("read [%d,%d) out of range", start, start+n)
	}
	return d.tokens[start : start+n], nil
}

const (
	testVocab  = 5
	testEOS    = int32(4)
	testSeqLen = 4
	testBatch  = 2
)

func testDataset(id string, n int) *memDataset {
	tokens := make([]int32, n)
	for i := range tokens {
		tokens[i] = int32((i*7 + 3) % testVocab)
	}
	return &memDataset{tokens: tokens, id: id}
}

func testSampler(t *testing.T, id string) *sampler.Sampler {
	t.Helper()
	s, err := sampler.New(testDataset(id, 400), testSeqLen, 11, testEOS)
	if err != nil {
		t.Fatalf("sampler: %v", err)
	}
	return s
}

func quietLog() logger.Logger {
	return logger.New(os.Stderr, "text", 12)
}

func testSchedule(total int64) Schedule {
	return Schedule{
		LearningRate: 0.05,
		WarmupSteps:  2,
		TotalSteps:   total,
		Decay:        "cosine",
		MinLRRatio:   0.1,
		Beta1:        0.9,
		Beta2:        0.95,
		Epsilon:      1e-8,
	}
}

func testModelConfig(lora int) model.Config {
	return model.Config{Arch: "bilinear", VocabSize: testVocab, Hidden: 3, SeqLen: testSeqLen, LoRARank: lora}
}

func testManager(t *testing.T, dir string, cfg model.Config, adapterOnly bool) *checkpoint.Manager {
	t.Helper()
	arch, err := model.Resolve(cfg.Arch)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	m, err := mesh.Plan(mesh.Request{Devices: 1, PerDeviceParallelism: testBatch})
	if err != nil {
		t.Fatalf("mesh: %v", err)
	}
	mgr, err := checkpoint.NewManager(checkpoint.Options{
		Dir:         dir,
		RunID:       "run-test",
		Mesh:        m,
		Arch:        arch,
		ModelConfig: cfg,
		AdapterOnly: adapterOnly,
	}, quietLog())
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return mgr
}

func testTrainer(t *testing.T, mgr *checkpoint.Manager, cfg model.Config, opts Options) *Trainer {
	t.Helper()
	arch, _ := model.Resolve(cfg.Arch)
	opts.Arch = arch
	opts.ModelConfig = cfg
	opts.Precision = precision.Default()
	opts.BatchSize = testBatch
	tr, err := New(opts, mgr, testSampler(t, "train-corpus"), testSampler(t, "valid-corpus"), quietLog())
	if err != nil {
		t.Fatalf("trainer: %v", err)
	}
	return tr
}

func TestScheduleEndpoints(t *testing.T) {
	t.Parallel()

	s := Schedule{LearningRate: 1.0, WarmupSteps: 10, TotalSteps: 110, Decay: "cosine", MinLRRatio: 0.1}
	if got := s.LearningRateAt(0); got != 0.1 {
		t.Fatalf("first warmup step: %v", got)
	}
	if got := s.LearningRateAt(10); got != 1.0 {
		t.Fatalf("warmup end: %v", got)
	}
	if got := s.LearningRateAt(109); math.Abs(got-0.1) > 1e-12 {
		t.Fatalf("final step not at floor: %v", got)
	}
	mid := s.LearningRateAt(59)
	if mid <= 0.1 || mid >= 1.0 {
		t.Fatalf("mid-decay out of range: %v", mid)
	}

	lin := Schedule{LearningRate: 1.0, TotalSteps: 11, Decay: "linear", MinLRRatio: 0.5}
	if got := lin.LearningRateAt(5); math.Abs(got-0.75) > 1e-12 {
		t.Fatalf("linear midpoint: %v", got)
	}
	if got := lin.LearningRateAt(10); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("linear floor: %v", got)
	}
}

func TestStepIsPure(t *testing.T) {
	t.Parallel()

	cfg := testModelConfig(0)
	mgr := testManager(t, t.TempDir(), cfg, false)
	tr := testTrainer(t, mgr, cfg, Options{Schedule: testSchedule(10), Seed: 3})

	state, err := mgr.Initialize(nil, 3)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	before := state.Clone()
	batch, err := tr.train.Batch(0, testBatch)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	next, loss, err := tr.Step(state, batch)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !state.Params.Equal(before.Params) || !state.OptMu.Equal(before.OptMu) || state.Step != before.Step {
		t.Fatal("Step mutated its input state")
	}
	if next.Step != 1 || next.Params.Equal(before.Params) {
		t.Fatal("Step did not advance")
	}
	if loss <= 0 || math.IsNaN(float64(loss)) {
		t.Fatalf("loss: %v", loss)
	}

	// Same inputs, same outputs.
	again, loss2, err := tr.Step(before, batch)
	if err != nil {
		t.Fatalf("step again: %v", err)
	}
	if loss2 != loss || !again.Params.Equal(next.Params) {
		t.Fatal("identical step produced different results")
	}
}

func TestRunCompletes(t *testing.T) {
	t.Parallel()

	cfg := testModelConfig(0)
	dir := t.TempDir()
	mgr := testManager(t, dir, cfg, false)
	tr := testTrainer(t, mgr, cfg, Options{
		Schedule:           testSchedule(6),
		Seed:               3,
		StepsPerEval:       3,
		StepsPerCheckpoint: 2,
	})

	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	st := tr.Status()
	if st.State != StateCompleted || st.Step != 6 {
		t.Fatalf("status: %+v", st)
	}
	if st.EvalStep != 6 || st.EvalLoss <= 0 {
		t.Fatalf("eval not recorded: %+v", st)
	}
	step, ok, err := mgr.LatestStep()
	if err != nil || !ok || step != 6 {
		t.Fatalf("latest checkpoint: step=%d ok=%v err=%v", step, ok, err)
	}
	// Intermediate checkpoints at the configured cadence survive too.
	for _, s := range []int64{2, 4} {
		manifest, err := checkpoint.ReadManifest(filepath.Join(dir, fmt.Sprintf("step-%08d", s)))
		if err != nil {
			t.Fatalf("checkpoint at step %d: %v", s, err)
		}
		if manifest.Step != s {
			t.Fatalf("manifest step: got %d want %d", manifest.Step, s)
		}
	}
}

func TestRunTrainsLossDown(t *testing.T) {
	t.Parallel()

	cfg := testModelConfig(0)
	mgr := testManager(t, t.TempDir(), cfg, false)
	tr := testTrainer(t, mgr, cfg, Options{Schedule: testSchedule(40), Seed: 3})

	state, err := mgr.Initialize(nil, 3)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	first, err := tr.Evaluate(state)
	if err != nil {
		t.Fatalf("eval before: %v", err)
	}
	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	trained, err := mgr.Load(40, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	last, err := tr.Evaluate(trained)
	if err != nil {
		t.Fatalf("eval after: %v", err)
	}
	if last >= first {
		t.Fatalf("training did not reduce eval loss: %v -> %v", first, last)
	}
}

func TestResumeMatchesUninterruptedRun(t *testing.T) {
	t.Parallel()

	cfg := testModelConfig(0)
	dir := t.TempDir()
	mgr := testManager(t, dir, cfg, false)
	opts := Options{Schedule: testSchedule(8), Seed: 3, StepsPerCheckpoint: 4}

	if err := testTrainer(t, mgr, cfg, opts).Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	reference, err := mgr.Load(8, nil)
	if err != nil {
		t.Fatalf("load reference: %v", err)
	}

	// Drop the final checkpoint, as if the process died after step 4.
	if err := os.RemoveAll(filepath.Join(dir, "step-00000008")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if err := testTrainer(t, mgr, cfg, opts).Run(context.Background()); err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	resumed, err := mgr.Load(8, nil)
	if err != nil {
		t.Fatalf("load resumed: %v", err)
	}
	if !resumed.Params.Equal(reference.Params) {
		t.Fatal("resumed run diverged from uninterrupted run")
	}
	if !resumed.OptMu.Equal(reference.OptMu) || !resumed.OptNu.Equal(reference.OptNu) {
		t.Fatal("optimizer state diverged on resume")
	}
}

func TestAdapterOnlyFreezesBase(t *testing.T) {
	t.Parallel()

	cfg := testModelConfig(2)
	mgr := testManager(t, t.TempDir(), cfg, true)
	tr := testTrainer(t, mgr, cfg, Options{Schedule: testSchedule(10), Seed: 3, AdapterOnly: true})

	state, err := mgr.Initialize(nil, 3)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	initial := state.Clone()
	for step := int64(0); step < 3; step++ {
		batch, err := tr.train.Batch(step, testBatch)
		if err != nil {
			t.Fatalf("batch: %v", err)
		}
		state, _, err = tr.Step(state, batch)
		if err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	for _, name := range []string{model.ParamEmbed, model.ParamProj, model.ParamBias} {
		if !state.Params[name].Equal(initial.Params[name]) {
			t.Fatalf("frozen parameter %s moved", name)
		}
	}
	moved := false
	for _, v := range state.Params[model.ParamLoRAB].Data {
		if v != 0 {
			moved = true
			break
		}
	}
	if !moved {
		t.Fatal("adapter parameters did not train")
	}
}

func TestCanceledRunFailsWithCheckpoint(t *testing.T) {
	t.Parallel()

	cfg := testModelConfig(0)
	dir := t.TempDir()
	mgr := testManager(t, dir, cfg, false)
	tr := testTrainer(t, mgr, cfg, Options{Schedule: testSchedule(100), Seed: 3})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.Run(ctx); err == nil {
		t.Fatal("canceled run must fail")
	}
	if tr.Status().State != StateFailed {
		t.Fatalf("state: %v", tr.Status().State)
	}
	// Best-effort checkpoint preserves whatever whole steps were taken.
	if _, ok, err := mgr.LatestStep(); err != nil || !ok {
		t.Fatalf("no failure checkpoint: ok=%v err=%v", ok, err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	cfg := testModelConfig(0)
	mgr := testManager(t, t.TempDir(), cfg, false)
	tr := testTrainer(t, mgr, cfg, Options{
		Schedule: testSchedule(10),
		Seed:     3,
		Tracker:  map[string]string{"project": "demo", "group": "a"},
	})

	e := echo.New()
	tr.registerStatus(e)
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code: %d", rec.Code)
	}
	var got Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != StateUninitialized {
		t.Fatalf("state: %v", got.State)
	}
	if got.Tracker["project"] != "demo" || got.Tracker["group"] != "a" {
		t.Fatalf("tracker metadata not forwarded: %+v", got.Tracker)
	}
}
