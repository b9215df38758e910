// Package trainer runs the training loop: it materializes state through the
// checkpoint manager, consumes deterministic batches from the sampler, and
// advances parameters with AdamW until the configured step count.
//
// The loop is a state machine. Interruptions and errors are observed only
// at step boundaries, so persisted state is always a whole number of steps.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/keelml/keel/internal/checkpoint"
	"github.com/keelml/keel/internal/logger"
	"github.com/keelml/keel/internal/model"
	"github.com/keelml/keel/internal/precision"
	"github.com/keelml/keel/internal/sampler"
)

// State names the trainer's lifecycle phase.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateRunning       State = "running"
	StateEvaluating    State = "evaluating"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// Options configure a Trainer beyond its constructed dependencies.
type Options struct {
	Arch        model.Arch
	ModelConfig model.Config
	Precision   precision.Policy
	Schedule    Schedule

	BatchSize          int
	StepsPerEval       int64
	StepsPerCheckpoint int64
	PrefetchDepth      int

	Seed        uint64
	Foreign     *checkpoint.Foreign
	AdapterOnly bool

	// Tracker is opaque experiment metadata, forwarded on the status
	// surface without interpretation.
	Tracker       map[string]string
	StatusAddress string
}

// Trainer owns one run.
type Trainer struct {
	opts     Options
	mgr      *checkpoint.Manager
	train    *sampler.Sampler
	eval     *sampler.Sampler // nil disables evaluation
	log      logger.Logger
	adapters map[string]bool

	mu     sync.Mutex
	status Status
}

// Status is the externally visible progress snapshot.
type Status struct {
	State     State             `json:"state"`
	Step      int64             `json:"step"`
	TrainLoss float32           `json:"train_loss"`
	EvalLoss  float32           `json:"eval_loss,omitempty"`
	EvalStep  int64             `json:"eval_step,omitempty"`
	Tracker   map[string]string `json:"tracker,omitempty"`
}

// New wires a trainer. eval may be nil when the run has no validation split.
func New(opts Options, mgr *checkpoint.Manager, train, eval *sampler.Sampler, log logger.Logger) (*Trainer, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("trainer: batch size %d", opts.BatchSize)
	}
	if opts.Schedule.TotalSteps <= 0 {
		return nil, fmt.Errorf("trainer: total steps %d", opts.Schedule.TotalSteps)
	}
	if opts.StepsPerEval > 0 && eval == nil {
		return nil, errors.New("trainer: eval interval set without a validation sampler")
	}
	specs, err := opts.Arch.ParamSpecs(opts.ModelConfig)
	if err != nil {
		return nil, err
	}
	adapters := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.Adapter {
			adapters[s.Name] = true
		}
	}
	if opts.AdapterOnly && len(adapters) == 0 {
		return nil, errors.New("trainer: adapter-only run with no adapter parameters")
	}
	return &Trainer{
		opts:     opts,
		mgr:      mgr,
		train:    train,
		eval:     eval,
		log:      log,
		adapters: adapters,
		status:   Status{State: StateUninitialized, Tracker: opts.Tracker},
	}, nil
}

func (t *Trainer) trainable(name string) bool {
	if t.opts.AdapterOnly {
		return t.adapters[name]
	}
	return true
}

// Step advances state by one optimizer step over batch. It is pure: the
// input state is not modified and the result depends only on (state, batch).
func (t *Trainer) Step(state *checkpoint.TrainingState, batch []sampler.Example) (*checkpoint.TrainingState, float32, error) {
	loss, grads, err := t.opts.Arch.LossAndGrad(t.opts.ModelConfig, state.Params, batch, t.opts.Precision)
	if err != nil {
		return nil, 0, err
	}
	next := state.Clone()
	applyAdamW(next, grads, t.opts.Schedule, t.trainable)
	next.Step++
	return next, loss, nil
}

// Evaluate averages the loss over one pass of the validation sampler in
// whole batches: the trailing NumExamples mod BatchSize examples are not
// scored, keeping every eval over the exact same fixed-shape batches.
// Parameters are not touched.
func (t *Trainer) Evaluate(state *checkpoint.TrainingState) (float32, error) {
	steps := t.eval.NumExamples() / int64(t.opts.BatchSize)
	if steps == 0 {
		steps = 1
	}
	var total float64
	for step := int64(0); step < steps; step++ {
		batch, err := t.eval.Batch(step, t.opts.BatchSize)
		if err != nil {
			return 0, err
		}
		loss, _, err := t.opts.Arch.LossAndGrad(t.opts.ModelConfig, state.Params, batch, t.opts.Precision)
		if err != nil {
			return 0, err
		}
		total += float64(loss)
	}
	return float32(total / float64(steps)), nil
}

// Run executes the loop to completion. It returns nil only from the
// Completed state; any error has already transitioned the run to Failed and
// attempted a final checkpoint.
func (t *Trainer) Run(ctx context.Context) error {
	t.setState(StateInitializing, 0)
	state, err := t.mgr.Initialize(t.opts.Foreign, t.opts.Seed)
	if err != nil {
		t.setState(StateFailed, 0)
		return fmt.Errorf("trainer: initialize: %w", err)
	}
	if state.Step >= t.opts.Schedule.TotalSteps {
		t.log.Info("run already complete", "step", state.Step)
		t.setState(StateCompleted, state.Step)
		return nil
	}

	if t.opts.StatusAddress != "" {
		go t.serveStatus(ctx)
	}

	pf := sampler.NewPrefetcher(ctx, t.train, state.Step, t.opts.BatchSize, t.opts.PrefetchDepth)
	defer pf.Stop()

	t.setState(StateRunning, state.Step)
	t.log.Info("training", "start_step", state.Step, "total_steps", t.opts.Schedule.TotalSteps,
		"batch_size", t.opts.BatchSize, "adapter_only", t.opts.AdapterOnly)

	for state.Step < t.opts.Schedule.TotalSteps {
		if err := ctx.Err(); err != nil {
			return t.fail(state, err)
		}
		batch, err := pf.Next()
		if err != nil {
			return t.fail(state, err)
		}
		next, loss, err := t.Step(state, batch)
		if err != nil {
			return t.fail(state, err)
		}
		state = next
		t.observeTrain(state.Step, loss)

		if t.opts.StepsPerEval > 0 && state.Step%t.opts.StepsPerEval == 0 {
			t.setState(StateEvaluating, state.Step)
			evalLoss, err := t.Evaluate(state)
			if err != nil {
				return t.fail(state, err)
			}
			t.observeEval(state.Step, evalLoss)
			t.log.Info("eval", "step", state.Step, "loss", evalLoss)
			t.setState(StateRunning, state.Step)
		}
		if t.opts.StepsPerCheckpoint > 0 && state.Step%t.opts.StepsPerCheckpoint == 0 {
			if err := t.mgr.Save(state); err != nil {
				return t.fail(state, err)
			}
		}
	}

	if err := t.mgr.Save(state); err != nil {
		return t.fail(state, err)
	}
	t.setState(StateCompleted, state.Step)
	t.log.Info("training complete", "step", state.Step)
	return nil
}

// fail transitions to Failed and checkpoints best-effort, so a crash-free
// failure still leaves resumable state behind.
func (t *Trainer) fail(state *checkpoint.TrainingState, err error) error {
	t.setState(StateFailed, state.Step)
	if saveErr := t.mgr.Save(state); saveErr != nil {
		t.log.Warn("failure checkpoint not written", "step", state.Step, "error", saveErr)
	}
	return fmt.Errorf("trainer: failed at step %d: %w", state.Step, err)
}

func (t *Trainer) setState(s State, step int64) {
	t.mu.Lock()
	t.status.State = s
	t.status.Step = step
	t.mu.Unlock()
}

func (t *Trainer) observeTrain(step int64, loss float32) {
	t.mu.Lock()
	t.status.Step = step
	t.status.TrainLoss = loss
	t.mu.Unlock()
}

func (t *Trainer) observeEval(step int64, loss float32) {
	t.mu.Lock()
	t.status.EvalStep = step
	t.status.EvalLoss = loss
	t.mu.Unlock()
}

// Status returns the current progress snapshot.
func (t *Trainer) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}
