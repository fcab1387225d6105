package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/vblora/internal/vblora"
)

func inspectCmd() *cli.Command {
	var (
		configFile  string
		inFeatures  int
		outFeatures int
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect an adapter_config.json and report per-layer shapes and parameter counts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to adapter_config.json",
				Destination: &configFile,
				Required:    true,
			},
			&cli.IntFlag{
				Name:        "in",
				Usage:       "in_features of the target layer",
				Value:       4096,
				Destination: &inFeatures,
			},
			&cli.IntFlag{
				Name:        "out",
				Usage:       "out_features of the target layer",
				Value:       4096,
				Destination: &outFeatures,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := vblora.LoadConfig(configFile)
			if err != nil {
				return err
			}
			in, out := inFeatures, outFeatures
			if in%cfg.VectorLength != 0 || out%cfg.VectorLength != 0 {
				return fmt.Errorf("layer %dx%d is not tiled by vector_length %d", in, out, cfg.VectorLength)
			}

			tilesA := in / cfg.VectorLength
			tilesB := out / cfg.VectorLength
			logitParams := (tilesA + tilesB) * cfg.R * cfg.NumVectors
			packedParams := (tilesA + tilesB) * cfg.R * cfg.TopK * 2 // value + index per slot
			bankParams := cfg.NumVectors * cfg.VectorLength
			dense := in * out

			fmt.Printf("rank:            %d\n", cfg.R)
			fmt.Printf("num_vectors:     %d\n", cfg.NumVectors)
			fmt.Printf("vector_length:   %d\n", cfg.VectorLength)
			fmt.Printf("topk:            %d\n", cfg.TopK)
			fmt.Printf("dropout:         %g\n", cfg.Dropout)
			fmt.Printf("fan_in_fan_out:  %v\n", cfg.FanInFanOut)
			if len(cfg.TargetModules) > 0 {
				fmt.Printf("target_modules:  %s\n", strings.Join(cfg.TargetModules, ", "))
			}
			fmt.Println()
			fmt.Printf("layer %d x %d:\n", in, out)
			fmt.Printf("  logits_A:      [%d %d %d]\n", tilesA, cfg.R, cfg.NumVectors)
			fmt.Printf("  logits_B:      [%d %d %d]\n", tilesB, cfg.R, cfg.NumVectors)
			fmt.Printf("  vector bank:   [%d %d] (shared)\n", cfg.NumVectors, cfg.VectorLength)
			fmt.Printf("  delta weight:  [%d %d]\n", deltaRows(in, out, cfg.FanInFanOut), deltaCols(in, out, cfg.FanInFanOut))
			fmt.Println()
			fmt.Printf("  logit params:  %d\n", logitParams)
			if cfg.SaveTopKLogits {
				fmt.Printf("  stored (topk): %d\n", packedParams)
			}
			fmt.Printf("  bank params:   %d\n", bankParams)
			fmt.Printf("  dense params:  %d\n", dense)
			stored := logitParams
			if cfg.SaveTopKLogits {
				stored = packedParams
			}
			fmt.Printf("  stored ratio:  %.4f%%\n", 100*float64(stored+bankParams)/float64(dense))
			return nil
		},
	}
}

func deltaRows(in, out int, fanInFanOut bool) int {
	if fanInFanOut {
		return in
	}
	return out
}

func deltaCols(in, out int, fanInFanOut bool) int {
	if fanInFanOut {
		return out
	}
	return in
}
