package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/callctl/internal/answer"
	"github.com/sweeney/callctl/internal/bus"
	"github.com/sweeney/callctl/internal/coalescer"
	"github.com/sweeney/callctl/internal/config"
	"github.com/sweeney/callctl/internal/directory"
	"github.com/sweeney/callctl/internal/dispatcher"
	"github.com/sweeney/callctl/internal/history"
	"github.com/sweeney/callctl/internal/ringing"
	"github.com/sweeney/callctl/internal/session"
)

func main() {
	configPath := flag.String("config", "/etc/callctl/callctl.yaml", "Path to config file")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := config.LoadEnv(); err != nil {
		log.Fatal().Err(err).Msg("loading env file")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}
	zerolog.SetGlobalLevel(cfg.Log.ZerologLevel())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	b, err := bus.NewMQTTBus(bus.MQTTOptions{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		QoS:      byte(cfg.MQTT.QoS),
		Logger:   log.Logger.With().Str("component", "bus").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("connecting to MQTT")
	}
	defer b.Close()
	log.Info().Str("broker", cfg.MQTT.Broker).Str("client_id", cfg.MQTT.ClientID).Msg("connected to MQTT broker")

	dir, closeDir := openDirectory(ctx, cfg)
	defer closeDir()

	pool := directory.NewPool(dir, directory.PoolOptions{
		Workers: cfg.Client.LookupWorkers,
		Logger:  log.Logger.With().Str("component", "directory").Logger(),
	})
	defer pool.Close()

	rec, closeHist := openHistory(cfg)
	defer closeHist()

	d, err := newDispatcher(cfg, deps{
		dir:  dir,
		pool: pool,
		out:  bus.Topic{Bus: b, Name: cfg.MQTT.Topic},
		hist: rec,
		cue:  logCue{},
		log:  log.Logger.With().Str("component", "dispatcher").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("creating dispatcher")
	}
	defer d.Close()
	watch(d)

	if err := run(ctx, cfg, b, d); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("run failed")
	}

	log.Info().Msg("shutdown complete")
}

// run feeds the control topic into the dispatcher and drives the field
// flush loop until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, b bus.Bus, d *dispatcher.Dispatcher) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Run(ctx)
	})

	if err := b.Subscribe(cfg.MQTT.Topic, func(payload []byte) {
		d.Handle(string(payload))
	}); err != nil {
		return fmt.Errorf("subscribing to control topic: %w", err)
	}
	log.Info().Str("topic", cfg.MQTT.Topic).Str("extension", cfg.Client.Extension).Msg("listening for calls")

	return g.Wait()
}

type deps struct {
	dir  directory.Directory
	pool *directory.Pool
	out  coalescer.Sender
	hist history.Recorder
	cue  ringing.Cue
	log  zerolog.Logger
}

func newDispatcher(cfg *config.Config, dp deps) (*dispatcher.Dispatcher, error) {
	role, err := answer.ParseRole(cfg.Client.Role)
	if err != nil {
		return nil, fmt.Errorf("client.role: %w", err)
	}
	return dispatcher.New(dispatcher.Options{
		Extension:           cfg.Client.Extension,
		Studio:              cfg.Client.Studio,
		Role:                role,
		Directory:           dp.dir,
		Lookups:             dp.pool,
		Out:                 dp.out,
		History:             dp.hist,
		Cue:                 dp.cue,
		ClickGrace:          cfg.Timing.ClickGrace,
		BlinkInterval:       cfg.Timing.BlinkInterval,
		AnswerRetryInterval: cfg.Timing.AnswerRetryInterval,
		AnswerRetryAttempts: cfg.Timing.AnswerRetryAttempts,
		FlushPoll:           cfg.Timing.FlushPoll,
		FlushWindow:         cfg.Timing.FlushWindow,
		Logger:              dp.log,
	}), nil
}

// openDirectory prefers Redis when configured. An unreachable Redis falls
// back to the static extension list.
func openDirectory(ctx context.Context, cfg *config.Config) (directory.Directory, func()) {
	static := directory.NewStatic(cfg.Directory.Extensions)
	rc := cfg.Directory.Redis
	if rc.Addr == "" {
		return static, func() {}
	}
	r, err := directory.NewRedis(ctx, directory.RedisOptions{
		Addr:     rc.Addr,
		Username: rc.Username,
		Password: rc.Password,
		DB:       rc.DB,
		Prefix:   rc.Prefix,
	}, cfg.Directory.Extensions)
	if err != nil {
		log.Warn().Err(err).Str("addr", rc.Addr).Msg("redis directory unavailable, using extensions only")
		return static, func() {}
	}
	log.Info().Str("addr", rc.Addr).Msg("using redis directory")
	return r, func() { r.Close() }
}

// openHistory opens the history log and its retention job when a path is
// configured. Failures disable history rather than the client.
func openHistory(cfg *config.Config) (history.Recorder, func()) {
	hc := cfg.History
	if hc.Path == "" {
		return history.Discard{}, func() {}
	}
	hlog := log.Logger.With().Str("component", "history").Logger()
	store, err := history.Open(hc.Path, history.Options{Logger: hlog})
	if err != nil {
		log.Warn().Err(err).Str("path", hc.Path).Msg("history disabled")
		return history.Discard{}, func() {}
	}
	quartz, err := history.ScheduleRetention(store, hc.Retention, hc.PruneInterval, hlog)
	if err != nil {
		log.Warn().Err(err).Msg("history retention disabled")
		return store, func() { store.Close() }
	}
	history.DoPrune(store, hc.Retention, hlog)
	return store, func() {
		<-quartz.Stop().Done()
		store.Close()
	}
}

// logCue stands in for the audio device on a headless client.
type logCue struct{}

func (logCue) Start() { log.Info().Msg("ringing") }
func (logCue) Stop()  { log.Info().Msg("ringing stopped") }

func watch(d *dispatcher.Dispatcher) {
	d.OnTransition(func(c dispatcher.Change) {
		ev := log.Info().Str("channel", c.Session.Channel).Str("mode", c.Session.Mode.String()).Str("connected_to", c.Session.ConnectedTo)
		if c.Replaced != "" {
			ev = ev.Str("replaces", c.Replaced)
		}
		if c.Created {
			ev.Msg("call")
			return
		}
		ev.Str("from", c.From.String()).Msg("call changed")
	})
	d.OnAnswer(func(s session.Snapshot) {
		ev := log.Info().Str("channel", s.Channel).Str("connected_to", s.ConnectedTo)
		if s.PersonID != nil {
			ev = ev.Int64("person", *s.PersonID)
		}
		ev.Msg("answered")
	})
	d.OnRemove(func(s session.Snapshot) {
		log.Info().Str("channel", s.Channel).Dur("duration", time.Since(s.Created)).Msg("call ended")
	})
}
