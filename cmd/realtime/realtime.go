package realtime

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/Hugo0713/Kunpeng-AED/internal/audiocore"
	"github.com/Hugo0713/Kunpeng-AED/internal/audiocore/sources"
	"github.com/Hugo0713/Kunpeng-AED/internal/conf"
	"github.com/Hugo0713/Kunpeng-AED/internal/cpuspec"
	"github.com/Hugo0713/Kunpeng-AED/internal/datastore"
	"github.com/Hugo0713/Kunpeng-AED/internal/httpserver"
	"github.com/Hugo0713/Kunpeng-AED/internal/inference"
	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
	"github.com/Hugo0713/Kunpeng-AED/internal/monitor"
	"github.com/Hugo0713/Kunpeng-AED/internal/mqtt"
	"github.com/Hugo0713/Kunpeng-AED/internal/observability"
	"github.com/Hugo0713/Kunpeng-AED/internal/pipeline"
	"github.com/Hugo0713/Kunpeng-AED/internal/publisher"
)

const serviceShutdownTimeout = 5 * time.Second

// Command creates a new command for real-time audio analysis.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "realtime",
		Short: "Analyze audio in realtime mode",
		Long:  "Capture audio from a device or replay a file, classify sound events and stream the results.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.Context(), conf.GetSettings())
		},
	}

	// Set up flags specific to the 'realtime' command
	if err := setupFlags(cmd); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the realtime command.
func setupFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.Int("device", sources.DefaultDevice, "Capture device index, see 'devices'")
	flags.String("file", "", "Replay a WAV or FLAC file instead of capturing")
	flags.Bool("pace", true, "Replay files at wall-clock speed")
	flags.Int("port", 8080, "HTTP listen port")
	flags.Int("topk", 5, "Number of ranked classes per result")
	flags.String("droppolicy", "oldest", "Frame queue overflow policy (oldest|newest)")

	bindings := map[string]string{
		"device":     "audio.device",
		"file":       "audio.sourcefile",
		"pace":       "audio.realtime",
		"port":       "webserver.port",
		"topk":       "inference.topk",
		"droppolicy": "audio.queue.droppolicy",
	}
	for flag, key := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}

// Run builds the live pipeline and its result consumers and runs them until
// the input ends, a service fails or the process is interrupted.
func Run(parent context.Context, settings *conf.Settings) error {
	if settings == nil {
		return fmt.Errorf("configuration not loaded")
	}
	log := logger.Global().Module("realtime")

	ctx, stopSignals := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	m, err := observability.NewMetrics()
	if err != nil {
		return err
	}
	m.HookErrors()

	threads := resolveThreads(settings.Model.Threads, log)
	engine, err := inference.NewTFLiteEngine(settings.Model.Path, settings.Model.Labels, threads, settings.Model.UseXNNPACK)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	extractor, err := settings.NewExtractor()
	if err != nil {
		return err
	}

	window, err := audiocore.NewWindowBuffer(settings.Audio.WindowSamples(), settings.Audio.HopSamples())
	if err != nil {
		return err
	}
	policy, err := audiocore.ParseDropPolicy(settings.Audio.Queue.DropPolicy)
	if err != nil {
		return err
	}
	queue, err := audiocore.NewFrameQueue(settings.Audio.Queue.Capacity, policy)
	if err != nil {
		return err
	}

	src, err := sources.Open(sources.Config{
		Device:     settings.Audio.Device,
		File:       settings.Audio.SourceFile,
		SampleRate: settings.Audio.SampleRate,
		Realtime:   settings.Audio.Realtime,
	})
	if err != nil {
		return err
	}

	var cpu monitor.CPUSampler = monitor.StaticSampler(0)
	if sampler, err := monitor.NewProcessCPUSampler(); err != nil {
		log.Warn("process CPU sampling unavailable", logger.Error(err))
	} else {
		cpu = sampler
	}

	var pl *pipeline.Pipeline
	pub := publisher.New(publisher.Options{
		Status: func() publisher.SystemStatus {
			if pl == nil {
				return publisher.SystemStatus{Status: publisher.StatusStopped, Model: engine.ModelID(), Threads: engine.Threads()}
			}
			return pl.Status()
		},
		BufferSize:    settings.Publisher.BufferSize,
		ReorderWindow: settings.Publisher.ReorderWindow,
		Metrics:       m.Publisher,
	})
	defer pub.Close()

	pl, err = pipeline.New(pipeline.Options{
		Source:         src,
		Window:         window,
		Queue:          queue,
		Extractor:      extractor,
		Engine:         engine,
		Publisher:      pub,
		TopK:           settings.Inference.TopK,
		GetTimeout:     settings.Pipeline.GetTimeout,
		PredictTimeout: settings.Model.Timeout,
		LogInterval:    settings.Pipeline.LogInterval,
		CPU:            cpu,
		Metrics:        m.Pipeline,
	})
	if err != nil {
		_ = src.Close()
		return err
	}

	// Services outlive the signal context so they can deliver the final
	// status after the pipeline stops.
	svcCtx, cancelServices := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelServices()
	g, gctx, err := launchServices(svcCtx, cancelServices, settings, pl, pub, m, src.Name(), engine)
	if err != nil {
		pl.Stop()
		pub.Close()
		return err
	}

	if err := pl.Start(ctx); err != nil {
		pl.Stop()
		pub.Close()
		cancelServices()
		_ = g.Wait()
		return err
	}
	pub.BroadcastStatus(pl.Status())

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case <-pl.Done():
		log.Info("pipeline finished")
	case <-gctx.Done():
		log.Warn("service failed, stopping pipeline")
	}

	pl.Stop()
	waitErr := pl.Wait(settings.Pipeline.ShutdownTimeout)
	if waitErr != nil {
		log.Error("pipeline did not stop in time", logger.Error(waitErr))
	}

	stats := pl.Stats()
	log.Info("pipeline stopped",
		logger.Uint64("frames_emitted", stats.FramesEmitted),
		logger.Uint64("frames_dropped", stats.FramesDropped),
		logger.Uint64("frames_skipped", stats.FramesSkipped),
		logger.Uint64("processed", stats.Processed))

	// closing the publisher ends every subscription so sinks drain and return
	pub.Close()
	cancelServices()
	if err := g.Wait(); err != nil {
		return err
	}
	return waitErr
}

// launchServices starts the services in a new group. If one fails to start,
// those already running are cancelled and joined before the error returns.
func launchServices(ctx context.Context, cancel context.CancelFunc, settings *conf.Settings, pl *pipeline.Pipeline,
	pub *publisher.Publisher, m *observability.Metrics, sourceName string, engine *inference.Engine) (*errgroup.Group, context.Context, error) {
	g, gctx := errgroup.WithContext(ctx)
	if err := startServices(gctx, g, settings, pl, pub, m, sourceName, engine); err != nil {
		cancel()
		if werr := g.Wait(); werr != nil {
			logger.Global().Module("realtime").Warn("service failed while aborting startup", logger.Error(werr))
		}
		return nil, nil, err
	}
	return g, gctx, nil
}

// startServices launches the HTTP server and the optional MQTT and
// datastore sinks in g.
func startServices(ctx context.Context, g *errgroup.Group, settings *conf.Settings, pl *pipeline.Pipeline,
	pub *publisher.Publisher, m *observability.Metrics, sourceName string, engine *inference.Engine) error {
	if settings.WebServer.Enabled {
		srv, err := httpserver.New(httpserver.Options{
			Address:    settings.WebServer.Address(),
			Publisher:  pub,
			Controller: pl,
			Metrics:    m.Handler(),
			Host:       monitor.Host,
		})
		if err != nil {
			return err
		}
		errCh := srv.Start()
		g.Go(func() error {
			select {
			case err, ok := <-errCh:
				if ok && err != nil {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serviceShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if settings.MQTT.Enabled {
		cfg := mqtt.DefaultConfig()
		cfg.Broker = settings.MQTT.Broker
		cfg.Topic = settings.MQTT.Topic
		cfg.ClientID = settings.MQTT.ClientID
		cfg.Username = settings.MQTT.Username
		cfg.Password = settings.MQTT.Password

		client, err := mqtt.NewClient(cfg, m.MQTT)
		if err != nil {
			return err
		}
		if err := client.Connect(ctx); err != nil {
			// the client keeps retrying in the background
			mqtt.GetLogger().Warn("initial MQTT connection failed", logger.Error(err))
		}
		sink := mqtt.NewSink(client, cfg.Topic)
		sub := pub.Subscribe()
		g.Go(func() error {
			defer client.Disconnect()
			return sink.Run(ctx, sub)
		})
	}

	if settings.Datastore.Enabled {
		store, err := datastore.Open(datastore.Config{
			Type:       settings.Datastore.Type,
			SQLitePath: settings.Datastore.SQLite.Path,
			MySQL: datastore.MySQLConfig{
				Host:     settings.Datastore.MySQL.Host,
				Port:     settings.Datastore.MySQL.Port,
				Username: settings.Datastore.MySQL.Username,
				Password: settings.Datastore.MySQL.Password,
				Database: settings.Datastore.MySQL.Database,
			},
		}, m.Datastore)
		if err != nil {
			return err
		}
		rec := datastore.NewRecorder(store, settings.Datastore.Threshold, sourceName, engine.ModelID(), engine.Threads())
		sub := pub.Subscribe()
		g.Go(func() error {
			defer func() { _ = store.Close() }()
			return rec.Run(ctx, sub)
		})
	}
	return nil
}

// resolveThreads returns configured, or derives a count from the CPU
// topology when configured is 0.
func resolveThreads(configured int, log logger.Logger) int {
	spec := cpuspec.GetCPUSpec()
	threads := configured
	if threads <= 0 {
		threads = spec.GetOptimalThreadCount()
	}
	log.Info("cpu detected",
		logger.String("brand", spec.BrandName),
		logger.String("arch", spec.Arch),
		logger.Bool("kunpeng", spec.IsKunpeng()),
		logger.Int("logical_cores", spec.LogicalCores),
		logger.Any("simd", spec.SIMD),
		logger.Int("inference_threads", threads))
	return threads
}
