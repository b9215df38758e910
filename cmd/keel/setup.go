package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/keelml/keel/internal/cache"
	"github.com/keelml/keel/internal/config"
	"github.com/keelml/keel/internal/logger"
	"github.com/keelml/keel/internal/tokenizer"
)

// loadRun reads the run file and builds the logger it configures.
func loadRun(path string) (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(os.Stderr, cfg.LogFormat, logger.ParseLevel(cfg.LogLevel))
	return cfg, log, nil
}

// checkTokenizer verifies the model vocabulary covers every id the
// tokenizer can emit, so an undersized vocab fails at setup instead of
// surfacing mid-run as an out-of-vocabulary loss error.
func checkTokenizer(cfg *config.Config, tok tokenizer.Tokenizer) error {
	if cfg.Model.VocabSize < tok.VocabSize() {
		return fmt.Errorf("model.vocab_size %d does not cover tokenizer %q vocabulary of %d",
			cfg.Model.VocabSize, tok.Name(), tok.VocabSize())
	}
	return nil
}

func builderOptions(cfg *config.Config) cache.BuilderOptions {
	return cache.BuilderOptions{
		Parallelism:  cfg.Data.BuildParallelism,
		FetchRetries: cfg.Data.FetchRetries,
		FetchRate:    rate.Limit(cfg.Data.FetchRatePerSec),
		LockReclaim:  time.Duration(cfg.Data.LockReclaim),
	}
}

// primeSplit builds any missing shards of a split cache and opens it.
func primeSplit(ctx context.Context, cfg *config.Config, log logger.Logger, tok tokenizer.Tokenizer, split string) (*cache.Reader, error) {
	spec, err := cfg.ShardSpec(split)
	if err != nil {
		return nil, err
	}
	builder := cache.NewBuilder(cfg.Data.CacheDir, tok, builderOptions(cfg), log)
	if err := builder.Build(ctx, spec); err != nil {
		return nil, err
	}
	uris, err := spec.Resolve()
	if err != nil {
		return nil, err
	}
	return cache.Open(cfg.Data.CacheDir, split, tok.Fingerprint(), uris)
}
