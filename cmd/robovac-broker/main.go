package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/life-stream-dev/robovac-mqtt-broker/internal/auth"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/config"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/database"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/event"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/helperbot"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/metrics"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/plugin"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/proxy"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/server"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		os.Exit(1)
	}
	loggerCallback := logger.Init(cfg)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Add(loggerCallback)

	if err := run(cfg, cleaner); err != nil {
		logger.ErrorF("Broker stopped with error: %v", err)
		cleaner.Clean()
		os.Exit(1)
	}
	cleaner.Clean()
}

func run(cfg config.Config, cleaner *event.Cleaner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := openRegistry(ctx, cfg, cleaner)
	if err != nil {
		return err
	}

	m := metrics.New(cfg.AppName)
	credentials := auth.LoadCredentialFile(cfg.Auth.PasswordFile, auth.BcryptVerifier{})
	helper := helperbot.New(cfg.HelperBot, cfg.ResponseTimeout(), m)

	opts := []plugin.Option{
		plugin.WithCredentials(credentials),
		plugin.WithCorrelator(helper),
		plugin.WithMetrics(m),
	}
	var relay *proxy.Relay
	if cfg.Proxy.Enabled {
		relay = proxy.NewRelay(cfg, proxy.WithMetrics(m))
		opts = append(opts, plugin.WithRelay(relay))
		logger.InfoF("Proxy mode enabled, upstream %s", relay.Server())
	}
	hooks := plugin.New(cfg, registry, opts...)

	serverOpts := []server.Option{server.WithMetrics(m)}
	if hasTLSListener(cfg.Listeners) {
		tlsConfig, err := server.LoadTLSConfig(cfg.TLS)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, server.WithTLSConfig(tlsConfig))
	}
	srv := server.New(cfg.Listeners, cfg.MaxConnections, hooks, serverOpts...)
	if relay != nil {
		relay.Attach(srv)
		cleaner.Add(relay)
	}
	if err := srv.Listen(); err != nil {
		return err
	}
	cleaner.Add(srv)
	cleaner.Add(helper)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	g.Go(func() error {
		if err := helper.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorF("[helperbot] %v", err)
		}
		return nil
	})
	if cfg.Metrics.Address != "" {
		g.Go(func() error {
			return m.Serve(gctx, cfg.Metrics.Address)
		})
	}
	logger.InfoF("%s started", cfg.AppName)
	return g.Wait()
}

func openRegistry(ctx context.Context, cfg config.Config, cleaner *event.Cleaner) (database.Registry, error) {
	if cfg.Registry.Driver != config.RegistryMongo {
		logger.Info("Using in-memory device registry")
		return database.NewMemoryStore(), nil
	}
	store, err := database.ConnectDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cleaner.Add(database.NewDBCloseCallback(store))
	return store, nil
}

func hasTLSListener(listeners []config.Listener) bool {
	for _, l := range listeners {
		if l.UseTLS {
			return true
		}
	}
	return false
}
