package benchmark

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/Hugo0713/Kunpeng-AED/internal/benchmark"
	"github.com/Hugo0713/Kunpeng-AED/internal/conf"
	"github.com/Hugo0713/Kunpeng-AED/internal/features"
	"github.com/Hugo0713/Kunpeng-AED/internal/inference"
	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
	"github.com/Hugo0713/Kunpeng-AED/internal/monitor"
)

const (
	// syntheticSeed fixes the generated input so runs are comparable.
	syntheticSeed  = 42
	syntheticSteps = 100
)

// inputFile holds the --input flag value
var inputFile string

func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Measure inference latency and throughput per thread count",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBenchmark(cmd.Context(), conf.GetSettings())
		},
	}

	flags := cmd.Flags()
	flags.IntSlice("thread-counts", []int{1, 2, 4}, "Thread counts to benchmark")
	flags.Int("iterations", 100, "Timed predictions per thread count")
	flags.Int("warmup", 10, "Untimed predictions before timing")
	flags.StringP("output", "o", "benchmark_results.json", "JSON report path")
	flags.StringVarP(&inputFile, "input", "i", "", "Audio file to extract the input from (default: synthetic input)")

	for flag, key := range map[string]string{
		"thread-counts": "benchmark.threads",
		"iterations":    "benchmark.iterations",
		"warmup":        "benchmark.warmup",
		"output":        "benchmark.output",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			fmt.Printf("error binding flag %s: %v\n", flag, err)
			os.Exit(1)
		}
	}

	return cmd
}

func runBenchmark(parent context.Context, settings *conf.Settings) error {
	if settings == nil {
		return fmt.Errorf("configuration not loaded")
	}
	log := logger.Global().Module("benchmark")

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	input, err := prepareInput(ctx, settings)
	if err != nil {
		return err
	}

	opts := []benchmark.Option{}
	if sampler, err := monitor.NewProcessCPUSampler(); err != nil {
		log.Warn("process CPU sampling unavailable", logger.Error(err))
	} else {
		opts = append(opts, benchmark.WithCPUSampler(sampler))
	}

	bc := settings.Benchmark
	p := mpb.NewWithContext(ctx, mpb.WithWidth(64), mpb.WithOutput(os.Stderr))
	bars := make(map[int]*mpb.Bar, len(bc.Threads))
	for _, threads := range bc.Threads {
		bars[threads] = p.AddBar(int64(bc.Iterations),
			mpb.PrependDecorators(
				decor.Name(fmt.Sprintf("%2d threads: ", threads)),
				decor.CountersNoUnit("%d / %d"),
			),
			mpb.AppendDecorators(
				decor.Percentage(),
				decor.AverageETA(decor.ET_STYLE_GO),
			),
		)
	}
	opts = append(opts, benchmark.WithProgress(func(threads, done, _ int) {
		if bar, ok := bars[threads]; ok {
			bar.SetCurrent(int64(done))
		}
	}))

	factory := func(threads int) (benchmark.Predictor, error) {
		engine, err := inference.NewTFLiteEngine(settings.Model.Path, settings.Model.Labels, threads, settings.Model.UseXNNPACK)
		if err != nil {
			return nil, err
		}
		return engine, nil
	}
	harness, err := benchmark.New(factory, input, opts...)
	if err != nil {
		abortBars(p, bars)
		return err
	}

	report, runErr := harness.Run(ctx, bc.Threads, bc.Iterations, bc.Warmup)
	abortBars(p, bars)

	if len(report) > 0 {
		fmt.Println()
		if err := report.WriteSummary(os.Stdout); err != nil {
			return err
		}
		if err := report.WriteJSON(bc.Output); err != nil {
			return err
		}
		log.Info("benchmark report written", logger.String("path", bc.Output))
	}
	return runErr
}

// abortBars removes bars that did not complete and waits for rendering to
// finish.
func abortBars(p *mpb.Progress, bars map[int]*mpb.Bar) {
	for _, bar := range bars {
		if !bar.Completed() {
			bar.Abort(false)
		}
	}
	p.Wait()
}

// prepareInput returns the matrix fed to every prediction: the first window
// of --input when given, otherwise a seeded n_mels x 100 synthetic matrix.
func prepareInput(ctx context.Context, settings *conf.Settings) (features.FeatureMatrix, error) {
	ex, err := settings.NewExtractor()
	if err != nil {
		return features.FeatureMatrix{}, err
	}

	windowSamples := settings.Audio.WindowSamples()
	if inputFile == "" {
		return benchmark.SyntheticInput(ex.Config().NMels, syntheticSteps, syntheticSeed), nil
	}
	inputs, err := benchmark.FileInputs(ctx, inputFile, ex, windowSamples)
	if err != nil {
		return features.FeatureMatrix{}, err
	}
	return inputs[0], nil
}
