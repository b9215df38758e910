// Package config loads and validates the declarative run file. The whole
// run is one YAML document; unknown keys are rejected at decode time so a
// typo fails the run before any compute or I/O starts.
package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/keelml/keel/internal/mesh"
	"github.com/keelml/keel/internal/model"
	"github.com/keelml/keel/internal/precision"
	"github.com/keelml/keel/internal/shard"
)

// Data configures the corpus and its tokenizing cache.
type Data struct {
	CacheDir           string   `yaml:"cache_dir" json:"cache_dir"`
	Tokenizer          string   `yaml:"tokenizer" json:"tokenizer"`
	TrainPatterns      []string `yaml:"train_patterns" json:"train_patterns"`
	ValidationPatterns []string `yaml:"validation_patterns" json:"validation_patterns,omitempty"`
	BuildParallelism   int      `yaml:"build_parallelism" json:"build_parallelism,omitempty"`
	FetchRetries       int      `yaml:"fetch_retries" json:"fetch_retries,omitempty"`
	FetchRatePerSec    float64  `yaml:"fetch_rate_per_sec" json:"fetch_rate_per_sec,omitempty"`
	LockReclaim        Duration `yaml:"lock_reclaim" json:"lock_reclaim,omitempty"`
}

// Model selects the architecture and its dimensions.
type Model struct {
	Arch      string `yaml:"arch" json:"arch"`
	VocabSize int    `yaml:"vocab_size" json:"vocab_size"`
	Hidden    int    `yaml:"hidden_size" json:"hidden_size"`
	SeqLen    int    `yaml:"seq_len" json:"seq_len"`
	LoRARank  int    `yaml:"lora_rank" json:"lora_rank,omitempty"`
}

// Parallelism is the logical device layout request.
type Parallelism struct {
	DeviceCount          int            `yaml:"device_count" json:"device_count"`
	DataAxisSize         int            `yaml:"data_axis_size" json:"data_axis_size,omitempty"`
	ModelAxisSize        int            `yaml:"model_axis_size" json:"model_axis_size,omitempty"`
	TensorParallelAxes   map[string]int `yaml:"tensor_parallel_axes" json:"tensor_parallel_axes,omitempty"`
	PerDeviceParallelism int            `yaml:"per_device_parallelism" json:"per_device_parallelism,omitempty"`
}

// Optimizer holds the AdamW hyperparameters and learning-rate schedule.
type Optimizer struct {
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
	WeightDecay  float64 `yaml:"weight_decay" json:"weight_decay,omitempty"`
	WarmupSteps  int64   `yaml:"warmup_steps" json:"warmup_steps,omitempty"`
	Decay        string  `yaml:"decay" json:"decay,omitempty"` // cosine or linear
	MinLRRatio   float64 `yaml:"min_lr_ratio" json:"min_lr_ratio,omitempty"`
	Beta1        float64 `yaml:"beta1" json:"beta1,omitempty"`
	Beta2        float64 `yaml:"beta2" json:"beta2,omitempty"`
	Epsilon      float64 `yaml:"epsilon" json:"epsilon,omitempty"`
}

// Run controls the loop itself.
type Run struct {
	ID                 string `yaml:"id" json:"id,omitempty"`
	Seed               uint64 `yaml:"seed" json:"seed"`
	TrainBatchSize     int    `yaml:"train_batch_size" json:"train_batch_size,omitempty"`
	NumTrainSteps      int64  `yaml:"num_train_steps" json:"num_train_steps"`
	StepsPerEval       int64  `yaml:"steps_per_eval" json:"steps_per_eval,omitempty"`
	StepsPerCheckpoint int64  `yaml:"steps_per_checkpoint" json:"steps_per_checkpoint,omitempty"`
	CheckpointDir      string `yaml:"checkpoint_dir" json:"checkpoint_dir"`
	AdapterOnly        bool   `yaml:"adapter_only" json:"adapter_only,omitempty"`
	AllowBaseDrift     bool   `yaml:"allow_base_drift" json:"allow_base_drift,omitempty"`
}

// InitializeFrom names a pretrained checkpoint to seed from.
type InitializeFrom struct {
	Path     string `yaml:"path" json:"path"`
	Revision string `yaml:"revision" json:"revision,omitempty"`
}

// Config is the full run file.
type Config struct {
	Data           Data              `yaml:"data" json:"data"`
	Model          Model             `yaml:"model" json:"model"`
	Parallelism    Parallelism       `yaml:"parallelism" json:"parallelism"`
	Precision      string            `yaml:"precision" json:"precision,omitempty"`
	Optimizer      Optimizer         `yaml:"optimizer" json:"optimizer"`
	Run            Run               `yaml:"run" json:"run"`
	InitializeFrom *InitializeFrom   `yaml:"initialize_from" json:"initialize_from,omitempty"`
	Tracker        map[string]string `yaml:"tracker" json:"tracker,omitempty"`
	StatusAddress  string            `yaml:"status_address" json:"status_address,omitempty"`
	LogLevel       string            `yaml:"log_level" json:"log_level,omitempty"`
	LogFormat      string            `yaml:"log_format" json:"log_format,omitempty"`
}

// Duration decodes YAML duration strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Load reads, strictly decodes, applies defaults, and validates a run file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a run file from memory. Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Parallelism.DeviceCount == 0 {
		c.Parallelism.DeviceCount = 1
	}
	if c.Optimizer.Decay == "" {
		c.Optimizer.Decay = "cosine"
	}
	if c.Optimizer.Beta1 == 0 {
		c.Optimizer.Beta1 = 0.9
	}
	if c.Optimizer.Beta2 == 0 {
		c.Optimizer.Beta2 = 0.95
	}
	if c.Optimizer.Epsilon == 0 {
		c.Optimizer.Epsilon = 1e-8
	}
	if c.Precision == "" {
		c.Precision = "p=f32,c=f32,o=f32"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate applies the cross-field rules that strict decoding cannot
// express. The first violation is returned with its config key.
func (c *Config) Validate() error {
	switch {
	case c.Data.CacheDir == "":
		return errors.New("config: data.cache_dir is required")
	case c.Data.Tokenizer == "":
		return errors.New("config: data.tokenizer is required")
	case len(c.Data.TrainPatterns) == 0:
		return errors.New("config: data.train_patterns is required")
	case c.Data.FetchRetries < 0:
		return fmt.Errorf("config: data.fetch_retries %d", c.Data.FetchRetries)
	}

	if _, err := model.Resolve(c.Model.Arch); err != nil {
		return fmt.Errorf("config: model.arch: %w", err)
	}
	switch {
	case c.Model.VocabSize <= 0:
		return fmt.Errorf("config: model.vocab_size %d", c.Model.VocabSize)
	case c.Model.Hidden <= 0:
		return fmt.Errorf("config: model.hidden_size %d", c.Model.Hidden)
	case c.Model.SeqLen <= 0:
		return fmt.Errorf("config: model.seq_len %d", c.Model.SeqLen)
	case c.Model.LoRARank < 0:
		return fmt.Errorf("config: model.lora_rank %d", c.Model.LoRARank)
	}

	if _, err := mesh.Plan(c.MeshRequest()); err != nil {
		return fmt.Errorf("config: parallelism: %w", err)
	}
	if _, err := precision.Parse(c.Precision); err != nil {
		return fmt.Errorf("config: precision: %w", err)
	}

	switch {
	case c.Optimizer.LearningRate <= 0:
		return fmt.Errorf("config: optimizer.learning_rate %v", c.Optimizer.LearningRate)
	case c.Optimizer.Decay != "cosine" && c.Optimizer.Decay != "linear":
		return fmt.Errorf("config: optimizer.decay %q (cosine or linear)", c.Optimizer.Decay)
	case c.Optimizer.MinLRRatio < 0 || c.Optimizer.MinLRRatio > 1:
		return fmt.Errorf("config: optimizer.min_lr_ratio %v", c.Optimizer.MinLRRatio)
	case c.Optimizer.WarmupSteps < 0:
		return fmt.Errorf("config: optimizer.warmup_steps %d", c.Optimizer.WarmupSteps)
	case c.Optimizer.Beta1 <= 0 || c.Optimizer.Beta1 >= 1:
		return fmt.Errorf("config: optimizer.beta1 %v", c.Optimizer.Beta1)
	case c.Optimizer.Beta2 <= 0 || c.Optimizer.Beta2 >= 1:
		return fmt.Errorf("config: optimizer.beta2 %v", c.Optimizer.Beta2)
	}

	switch {
	case c.Run.NumTrainSteps <= 0:
		return fmt.Errorf("config: run.num_train_steps %d", c.Run.NumTrainSteps)
	case c.Run.CheckpointDir == "":
		return errors.New("config: run.checkpoint_dir is required")
	case c.Run.StepsPerEval < 0:
		return fmt.Errorf("config: run.steps_per_eval %d", c.Run.StepsPerEval)
	case c.Run.StepsPerCheckpoint < 0:
		return fmt.Errorf("config: run.steps_per_checkpoint %d", c.Run.StepsPerCheckpoint)
	case c.Run.StepsPerEval > 0 && len(c.Data.ValidationPatterns) == 0:
		return errors.New("config: run.steps_per_eval set but data.validation_patterns empty")
	case c.Run.AdapterOnly && c.Model.LoRARank <= 0:
		return errors.New("config: run.adapter_only requires model.lora_rank")
	case c.Run.AdapterOnly && c.InitializeFrom == nil:
		return errors.New("config: run.adapter_only requires initialize_from")
	}
	if c.InitializeFrom != nil && c.InitializeFrom.Path == "" {
		return errors.New("config: initialize_from.path is required")
	}
	return nil
}

// Fingerprint hashes the canonical JSON form of the config. Two runs with
// equal fingerprints were launched from semantically identical run files.
func (c *Config) Fingerprint() string {
	data, err := json.Marshal(c)
	if err != nil {
		// Config is plain data; marshal cannot fail on a validated value.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// MeshRequest maps the parallelism section to the mesh planner input.
// Batch geometry follows run.train_batch_size when set, otherwise
// parallelism.per_device_parallelism.
func (c *Config) MeshRequest() mesh.Request {
	return mesh.Request{
		Devices:              c.Parallelism.DeviceCount,
		DataAxisSize:         c.Parallelism.DataAxisSize,
		ModelAxisSize:        c.Parallelism.ModelAxisSize,
		TensorParallelAxes:   c.Parallelism.TensorParallelAxes,
		PerDeviceParallelism: c.Parallelism.PerDeviceParallelism,
		GlobalBatchSize:      c.Run.TrainBatchSize,
	}
}

// ModelConfig maps the model section to the architecture input.
func (c *Config) ModelConfig() model.Config {
	return model.Config{
		Arch:      c.Model.Arch,
		VocabSize: c.Model.VocabSize,
		Hidden:    c.Model.Hidden,
		SeqLen:    c.Model.SeqLen,
		LoRARank:  c.Model.LoRARank,
	}
}

// ShardSpec returns the shard source for a split.
func (c *Config) ShardSpec(split string) (shard.Spec, error) {
	spec := shard.Spec{Split: split, Tokenizer: c.Data.Tokenizer}
	switch split {
	case "train":
		spec.Patterns = c.Data.TrainPatterns
	case "validation":
		spec.Patterns = c.Data.ValidationPatterns
	default:
		return shard.Spec{}, fmt.Errorf("config: unknown split %q", split)
	}
	if len(spec.Patterns) == 0 {
		return shard.Spec{}, fmt.Errorf("config: split %q has no patterns", split)
	}
	return spec, nil
}
