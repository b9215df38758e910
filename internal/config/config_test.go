package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
data:
  cache_dir: /tmp/cache
  tokenizer: bytes
  train_patterns: ["file:///corpus/train-{00..03}.txt"]
  validation_patterns: ["file:///corpus/valid-00.txt"]
  lock_reclaim: 30s
model:
  arch: bilinear
  vocab_size: 260
  hidden_size: 16
  seq_len: 64
parallelism:
  device_count: 4
  model_axis_size: 2
  per_device_parallelism: 8
precision: "p=f32,c=bf16,o=f32"
optimizer:
  learning_rate: 3e-4
  warmup_steps: 100
run:
  seed: 7
  num_train_steps: 1000
  steps_per_eval: 200
  steps_per_checkpoint: 500
  checkpoint_dir: /tmp/ckpt
tracker:
  project: demo
status_address: "127.0.0.1:0"
`

func TestParseValid(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Optimizer.Beta1 != 0.9 || cfg.Optimizer.Beta2 != 0.95 {
		t.Fatalf("beta defaults: %v %v", cfg.Optimizer.Beta1, cfg.Optimizer.Beta2)
	}
	if cfg.Optimizer.Decay != "cosine" {
		t.Fatalf("decay default: %q", cfg.Optimizer.Decay)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Fatalf("log defaults: %q %q", cfg.LogLevel, cfg.LogFormat)
	}
	if time.Duration(cfg.Data.LockReclaim) != 30*time.Second {
		t.Fatalf("lock_reclaim: %v", time.Duration(cfg.Data.LockReclaim))
	}
	m := cfg.MeshRequest()
	if m.Devices != 4 || m.ModelAxisSize != 2 {
		t.Fatalf("mesh request: %+v", m)
	}
	if cfg.Tracker["project"] != "demo" {
		t.Fatal("tracker metadata not carried")
	}
}

func TestParseRejectsUnknownKey(t *testing.T) {
	t.Parallel()

	doc := strings.Replace(validYAML, "seed: 7", "seed: 7\n  nmu_train_steps: 5", 1)
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("unknown key must fail decode")
	}
}

func TestValidationErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		edit func(doc string) string
		want string
	}{
		{
			"missing cache dir",
			func(d string) string { return strings.Replace(d, "cache_dir: /tmp/cache", "cache_dir: \"\"", 1) },
			"data.cache_dir",
		},
		{
			"bad precision",
			func(d string) string { return strings.Replace(d, "c=bf16", "c=int8", 1) },
			"precision",
		},
		{
			"mesh does not fit devices",
			func(d string) string { return strings.Replace(d, "model_axis_size: 2", "model_axis_size: 3", 1) },
			"parallelism",
		},
		{
			"zero steps",
			func(d string) string { return strings.Replace(d, "num_train_steps: 1000", "num_train_steps: 0", 1) },
			"num_train_steps",
		},
		{
			"eval without validation split",
			func(d string) string {
				return strings.Replace(d, "  validation_patterns: [\"file:///corpus/valid-00.txt\"]\n", "", 1)
			},
			"validation_patterns",
		},
		{
			"bad decay",
			func(d string) string {
				return strings.Replace(d, "warmup_steps: 100", "warmup_steps: 100\n  decay: exponential", 1)
			},
			"optimizer.decay",
		},
		{
			"adapter only without lora",
			func(d string) string { return strings.Replace(d, "seed: 7", "seed: 7\n  adapter_only: true", 1) },
			"adapter_only",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tc.edit(validYAML)))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not name %q", err, tc.want)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	a, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs produced different fingerprints")
	}
	c, err := Parse([]byte(strings.Replace(validYAML, "seed: 7", "seed: 8", 1)))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("changed config kept the same fingerprint")
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	spec, err := cfg.ShardSpec("train")
	if err != nil {
		t.Fatalf("shard spec: %v", err)
	}
	if len(spec.Patterns) != 1 || spec.Split != "train" {
		t.Fatalf("shard spec: %+v", spec)
	}
	if _, err := cfg.ShardSpec("test"); err == nil {
		t.Fatal("unknown split must error")
	}
}
