package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"golang.org/x/sync/errgroup"

	"calfeed/internal/config"
	"calfeed/internal/dispatch"
	"calfeed/internal/ics"
	appLog "calfeed/internal/log"
	"calfeed/internal/model"
	"calfeed/internal/scheduler"
	"calfeed/internal/web"
)

// version is set at build time via -ldflags.
var version = "0.1.0-dev"

// noCalendarsID is the source ID of the empty batch emitted when no
// calendar is configured, so consumers can clear their view.
const noCalendarsID = "no-calendars"

func main() {
	opts, err := config.ParseOptions(os.Args[1:])
	if err != nil {
		if errors.Is(err, config.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	appLog.Info("calfeed starting", "version", version)

	conf, err := config.Load(opts.ConfigPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", opts.ConfigPath)
		os.Exit(1)
	}
	opts.Apply(conf)
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", opts.ConfigPath)
		os.Exit(1)
	}
	loc, err := conf.Location()
	if err != nil {
		appLog.Error("invalid timezone", err, "timezone", conf.Timezone)
		os.Exit(1)
	}
	sources := conf.Sources(loc)

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", loc.String(),
		"instance_id", conf.InstanceID,
		"calendar_count", len(sources),
		"redis", conf.Redis.URL != "",
		"once", opts.Once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	fetcher := ics.NewFetcher()

	if opts.Once {
		if err := runOnce(ctx, fetcher, sources); err != nil {
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, conf, fetcher, sources); err != nil {
		appLog.Error("calfeed stopped with error", err)
		os.Exit(1)
	}
	appLog.Info("calfeed exiting")
}

// runOnce fetches every source a single time and prints the batches as a
// JSON array on stdout. It fails if any source failed.
func runOnce(ctx context.Context, fetcher *ics.Fetcher, sources []model.SourceConfig) error {
	sched := scheduler.New(ctx, fetcher, dispatch.NewStore())

	batches := make([]model.Batch, 0, len(sources))
	var errs []error
	for _, src := range sources {
		b, err := sched.RunOnce(ctx, src)
		if err != nil {
			appLog.Error("fetch failed", err, "id", src.ID, "name", src.Name, "kind", ics.ErrorKind(err))
			errs = append(errs, err)
			continue
		}
		batches = append(batches, b)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(batches); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func run(ctx context.Context, conf *config.Config, fetcher *ics.Fetcher, sources []model.SourceConfig) error {
	store := dispatch.NewStore()
	dispatchers := dispatch.Multi{store}

	if conf.Redis.URL != "" {
		r, err := dispatch.NewRedis(ctx, conf.Redis.URL, conf.Redis.Channel)
		if err != nil {
			return err
		}
		defer r.Close()
		dispatchers = append(dispatchers, r)
	}

	sched := scheduler.New(ctx, fetcher, dispatchers)

	if len(sources) == 0 {
		appLog.Warn("no calendars configured")
		dispatchers.Emit(ctx, model.Batch{
			SourceID:  noCalendarsID,
			Events:    []model.CanonicalEvent{},
			FetchedAt: time.Now(),
		})
	}
	for _, src := range sources {
		if err := sched.Start(ctx, src); err != nil {
			appLog.Error("calendar not scheduled", err, "id", src.ID, "name", src.Name)
		}
	}

	srv := web.NewServer(conf, sched, store)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		sched.StopAll()
		return nil
	})
	return g.Wait()
}
