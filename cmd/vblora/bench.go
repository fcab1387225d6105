package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/vblora/internal/tensor"
	"github.com/samcharles93/vblora/internal/vblora"
)

func benchCmd() *cli.Command {
	var (
		inFeatures   int64
		outFeatures  int64
		rank         int64
		topk         int64
		numVectors   int64
		vectorLength int64
		batch        int64
		layers       int64
		passes       int64
		workers      int64
		warmupRuns   int64
		merged       bool
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Run standardized adapter forward-pass benchmarks",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "in",
				Usage:       "in_features per layer",
				Value:       1024,
				Destination: &inFeatures,
			},
			&cli.Int64Flag{
				Name:        "out",
				Usage:       "out_features per layer",
				Value:       1024,
				Destination: &outFeatures,
			},
			&cli.Int64Flag{
				Name:        "rank",
				Aliases:     []string{"r"},
				Usage:       "adapter rank",
				Value:       4,
				Destination: &rank,
			},
			&cli.Int64Flag{
				Name:        "topk",
				Usage:       "vectors mixed per logit row",
				Value:       2,
				Destination: &topk,
			},
			&cli.Int64Flag{
				Name:        "num-vectors",
				Usage:       "shared bank size",
				Value:       256,
				Destination: &numVectors,
			},
			&cli.Int64Flag{
				Name:        "vector-length",
				Usage:       "shared bank vector length",
				Value:       256,
				Destination: &vectorLength,
			},
			&cli.Int64Flag{
				Name:        "batch",
				Usage:       "rows per forward pass",
				Value:       8,
				Destination: &batch,
			},
			&cli.Int64Flag{
				Name:        "layers",
				Usage:       "number of independent layers",
				Value:       4,
				Destination: &layers,
			},
			&cli.Int64Flag{
				Name:        "passes",
				Usage:       "forward passes per layer",
				Value:       16,
				Destination: &passes,
			},
			&cli.Int64Flag{
				Name:        "workers",
				Usage:       "concurrent layers (0 = GOMAXPROCS)",
				Value:       0,
				Destination: &workers,
			},
			&cli.Int64Flag{
				Name:        "warmup",
				Usage:       "number of warmup passes per layer",
				Value:       1,
				Destination: &warmupRuns,
			},
			&cli.BoolFlag{
				Name:        "merged",
				Usage:       "benchmark the merged path instead of the unmerged one",
				Destination: &merged,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyBenchConfig(cmd, LoadConfig(), &batch, &layers, &passes, &workers)

			in, out := int(inFeatures), int(outFeatures)
			nv, vl := int(numVectors), int(vectorLength)

			// One Linear per goroutine: the layer itself is not safe for
			// concurrent use.
			hosts := make([]*vblora.Linear, layers)
			for i := range hosts {
				base := vblora.NewDense(in, out)
				tensor.FillRand(&base.W, int64(i)+3)
				bank := vblora.NewVectorBank(nv, vl)
				tensor.FillRand(bank, int64(i)+7)
				l := vblora.NewLinear(base, false, nil)
				l.Seed(int64(i) + 1)
				if err := l.UpdateLayer("default", bank, int(rank), int(topk), nv, vl, 0, true); err != nil {
					return err
				}
				if merged {
					if err := l.Merge(false, nil); err != nil {
						return err
					}
				}
				hosts[i] = l
			}

			x := tensor.NewMat(int(batch), in)
			tensor.FillRand(&x, 11)

			mode := "unmerged"
			if merged {
				mode = "merged"
			}
			fmt.Println("=== VB-LoRA Benchmark ===")
			fmt.Printf("Layer:    %d x %d (%s)\n", in, out, mode)
			fmt.Printf("Adapter:  r=%d topk=%d bank=[%d %d]\n", rank, topk, nv, vl)
			fmt.Printf("Batch:    %d rows\n", batch)
			fmt.Printf("Layers:   %d, %d passes each\n", layers, passes)
			fmt.Printf("CPUs:     %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Println()

			for _, l := range hosts {
				for range int(warmupRuns) {
					l.Forward(&x)
				}
			}

			g, _ := errgroup.WithContext(ctx)
			if workers > 0 {
				g.SetLimit(int(workers))
			}
			start := time.Now()
			for _, l := range hosts {
				g.Go(func() error {
					for range int(passes) {
						l.Forward(&x)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			elapsed := time.Since(start)

			totalPasses := layers * passes
			rows := totalPasses * batch
			fmt.Println("=== Results ===")
			fmt.Printf("Duration:   %s\n", elapsed.Round(time.Millisecond))
			fmt.Printf("Passes:     %d (%.2f/s)\n", totalPasses, float64(totalPasses)/elapsed.Seconds())
			fmt.Printf("Rows:       %d (%.2f/s)\n", rows, float64(rows)/elapsed.Seconds())

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))

			return nil
		},
	}
}
