package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/keelml/keel/internal/tokenizer"
)

func cacheCmd() *cli.Command {
	var (
		configPath string
		split      string
	)

	return &cli.Command{
		Name:  "cache",
		Usage: "Build the tokenized cache without training",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to the run YAML file",
				Required:    true,
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "split",
				Usage:       "split to build (train, validation, or all)",
				Value:       "all",
				Destination: &split,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, log, err := loadRun(configPath)
			if err != nil {
				return err
			}
			tok, err := tokenizer.Open(cfg.Data.Tokenizer)
			if err != nil {
				return err
			}

			splits := []string{split}
			if split == "all" {
				splits = []string{"train"}
				if len(cfg.Data.ValidationPatterns) > 0 {
					splits = append(splits, "validation")
				}
			}
			for _, s := range splits {
				reader, err := primeSplit(ctx, cfg, log, tok, s)
				if err != nil {
					return fmt.Errorf("split %s: %w", s, err)
				}
				fmt.Printf("%s: %d documents, %d tokens (%s)\n",
					s, reader.NumDocs(), reader.TotalTokens(), reader.Fingerprint())
				reader.Close()
			}
			return nil
		},
	}
}
