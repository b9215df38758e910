package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/keelml/keel/internal/checkpoint"
)

func inspectCmd() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print a checkpoint manifest",
		ArgsUsage: "<checkpoint step directory>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir := cmd.Args().First()
			if dir == "" {
				return fmt.Errorf("inspect: checkpoint directory argument required")
			}
			m, err := checkpoint.ReadManifest(dir)
			if err != nil {
				return err
			}
			fmt.Printf("step:               %d\n", m.Step)
			fmt.Printf("run id:             %s\n", m.RunID)
			fmt.Printf("config fingerprint: %s\n", m.ConfigFingerprint)
			fmt.Printf("mesh:               %s\n", m.MeshFingerprint)
			fmt.Printf("rng seed:           %d\n", m.RNG)
			if m.AdapterOnly {
				fmt.Printf("adapter only:       true (base %s)\n", m.BaseFingerprint)
			}
			fmt.Printf("parameters:         %d\n", len(m.Params))
			for _, p := range m.Params {
				kind := ""
				if p.Adapter {
					kind = "  adapter"
				}
				fmt.Printf("  %-24s %v%s\n", p.Name, p.Shape, kind)
			}
			return nil
		},
	}
}
