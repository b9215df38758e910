package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/keelml/keel/internal/checkpoint"
	"github.com/keelml/keel/internal/logger"
	"github.com/keelml/keel/internal/mesh"
	"github.com/keelml/keel/internal/model"
	"github.com/keelml/keel/internal/precision"
	"github.com/keelml/keel/internal/sampler"
	"github.com/keelml/keel/internal/tokenizer"
	"github.com/keelml/keel/internal/trainer"
)

func trainCmd() *cli.Command {
	var configPath string

	return &cli.Command{
		Name:  "train",
		Usage: "Run a training job described by a run file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to the run YAML file",
				Required:    true,
				Destination: &configPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, log, err := loadRun(configPath)
			if err != nil {
				return err
			}
			ctx = logger.WithContext(ctx, log)
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runID := cfg.Run.ID
			if runID == "" {
				runID = uuid.NewString()
			}
			log.Info("starting run", "id", runID, "config_fingerprint", cfg.Fingerprint())

			plan, err := mesh.Plan(cfg.MeshRequest())
			if err != nil {
				return err
			}
			log.Info("mesh resolved", "layout", plan.Fingerprint(),
				"global_batch", plan.GlobalBatchSize, "per_device", plan.PerDevice)

			pol, err := precision.Parse(cfg.Precision)
			if err != nil {
				return err
			}
			arch, err := model.Resolve(cfg.Model.Arch)
			if err != nil {
				return err
			}

			tok, err := tokenizer.Open(cfg.Data.Tokenizer)
			if err != nil {
				return err
			}
			if err := checkTokenizer(cfg, tok); err != nil {
				return err
			}
			trainReader, err := primeSplit(ctx, cfg, log, tok, "train")
			if err != nil {
				return err
			}
			defer trainReader.Close()
			trainSampler, err := sampler.New(trainReader, cfg.Model.SeqLen, cfg.Run.Seed, tok.EOS())
			if err != nil {
				return err
			}

			var evalSampler *sampler.Sampler
			if len(cfg.Data.ValidationPatterns) > 0 {
				evalReader, err := primeSplit(ctx, cfg, log, tok, "validation")
				if err != nil {
					return err
				}
				defer evalReader.Close()
				evalSampler, err = sampler.New(evalReader, cfg.Model.SeqLen, cfg.Run.Seed, tok.EOS())
				if err != nil {
					return err
				}
			}

			mgr, err := checkpoint.NewManager(checkpoint.Options{
				Dir:               cfg.Run.CheckpointDir,
				RunID:             runID,
				ConfigFingerprint: cfg.Fingerprint(),
				Mesh:              plan,
				Arch:              arch,
				ModelConfig:       cfg.ModelConfig(),
				AdapterOnly:       cfg.Run.AdapterOnly,
				AllowBaseDrift:    cfg.Run.AllowBaseDrift,
			}, log)
			if err != nil {
				return err
			}

			var foreign *checkpoint.Foreign
			if cfg.InitializeFrom != nil {
				foreign = &checkpoint.Foreign{
					Path:     cfg.InitializeFrom.Path,
					Revision: cfg.InitializeFrom.Revision,
				}
			}

			tr, err := trainer.New(trainer.Options{
				Arch:        arch,
				ModelConfig: cfg.ModelConfig(),
				Precision:   pol,
				Schedule: trainer.Schedule{
					LearningRate: cfg.Optimizer.LearningRate,
					WeightDecay:  cfg.Optimizer.WeightDecay,
					WarmupSteps:  cfg.Optimizer.WarmupSteps,
					TotalSteps:   cfg.Run.NumTrainSteps,
					Decay:        cfg.Optimizer.Decay,
					MinLRRatio:   cfg.Optimizer.MinLRRatio,
					Beta1:        cfg.Optimizer.Beta1,
					Beta2:        cfg.Optimizer.Beta2,
					Epsilon:      cfg.Optimizer.Epsilon,
				},
				BatchSize:          plan.GlobalBatchSize,
				StepsPerEval:       cfg.Run.StepsPerEval,
				StepsPerCheckpoint: cfg.Run.StepsPerCheckpoint,
				Seed:               cfg.Run.Seed,
				Foreign:            foreign,
				AdapterOnly:        cfg.Run.AdapterOnly,
				Tracker:            cfg.Tracker,
				StatusAddress:      cfg.StatusAddress,
			}, mgr, trainSampler, evalSampler, log)
			if err != nil {
				return err
			}
			return tr.Run(ctx)
		},
	}
}
