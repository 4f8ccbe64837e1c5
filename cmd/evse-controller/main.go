package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/evsemaster/evse-controller/internal/api"
	"github.com/evsemaster/evse-controller/internal/auth"
	"github.com/evsemaster/evse-controller/internal/config"
	"github.com/evsemaster/evse-controller/internal/controller"
	"github.com/evsemaster/evse-controller/internal/evse"
	"github.com/evsemaster/evse-controller/internal/gateway"
	"github.com/evsemaster/evse-controller/internal/integration"
	"github.com/evsemaster/evse-controller/internal/server"
	"github.com/evsemaster/evse-controller/internal/storage"
	"github.com/evsemaster/evse-controller/pkg/crypto"
)

var version = "dev"

func main() {
	// Command line flags
	var configPath = flag.String("config", "config/evse-controller.yml", "Configuration file path")
	var showConfig = flag.Bool("show-config", false, "Print the effective configuration and exit")
	var genKey = flag.Bool("gen-key", false, "Print a new security.password_key and exit")
	var dump = flag.Bool("dump", false, "Log every datagram as hex")
	flag.Parse()

	if *genKey {
		key, err := crypto.GenerateKey()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(key)
		return
	}

	// Setup logging
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("Failed to load configuration")
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = version
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("Invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	if *showConfig {
		cfg.PrintConfigSummary()
		return
	}

	log.Info().
		Str("config_path", *configPath).
		Str("version", cfg.Server.Version).
		Msg("EVSE controller starting")

	if err := run(cfg, *dump); err != nil {
		log.Fatal().Err(err).Msg("EVSE controller failed")
	}
	log.Info().Msg("EVSE controller stopped")
}

// loadConfig falls back to defaults when the default file is absent
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && path == "config/evse-controller.yml" {
		log.Warn().Str("config_path", path).Msg("Configuration file not found, using defaults")
		return config.Default(), nil
	}
	return cfg, err
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Store, error) {
	if cfg.DSN == "" {
		log.Info().Msg("No database configured, using in-memory store")
		return storage.NewMemoryStore(), nil
	}

	store, err := storage.NewPostgresStore(cfg.DSN, storage.PoolOptions{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	log.Info().Msg("Connected to database")
	return store, nil
}

func hexDump(dir gateway.Direction, addr *net.UDPAddr, data []byte) {
	log.Info().
		Str("dir", string(dir)).
		Str("addr", addr.String()).
		Int("bytes", len(data)).
		Str("data", hex.EncodeToString(data)).
		Msg("Datagram")
}

func run(cfg *config.Config, dump bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key, err := cfg.Security.Key()
	if err != nil {
		return err
	}
	if key == nil {
		log.Warn().Msg("security.password_key not set, device passwords will not be remembered")
	}

	// Connect to database
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if err := auth.EnsureAdmin(ctx, store, cfg.Security.AdminUser, cfg.Security.AdminPassword); err != nil {
		return err
	}

	opts := gateway.Options{
		BindAddr:      cfg.UDP.Bind,
		BroadcastAddr: cfg.UDP.Broadcast,
		TickInterval:  cfg.Session.TickInterval,
		Session: evse.Settings{
			OnlineWindow:    cfg.Session.OnlineWindow,
			ReloginAfter:    cfg.Session.ReloginAfter,
			LoginTimeout:    cfg.Session.LoginTimeout,
			ResponseTimeout: cfg.Session.ResponseTimeout,
			DefaultCurrent:  cfg.Session.DefaultCurrent,
			UserID:          cfg.Session.UserID,
		},
	}
	if dump {
		opts.Dump = hexDump
	}

	comm, err := gateway.NewCommunicator(opts)
	if err != nil {
		return err
	}

	ctrl := controller.New(comm, store, controller.Options{
		StartCooldown: cfg.Session.StartCooldown,
		PasswordKey:   key,
	})

	// WaitGroup for services
	var wg sync.WaitGroup
	start := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				log.Error().Err(err).Str("service", name).Msg("Service stopped")
				cancel()
			}
		}()
	}

	start("controller", func() error { return ctrl.Start(ctx) })
	start("gateway", func() error { return comm.Start(ctx) })

	// Optional: NATS bridge
	if cfg.NATS.URL != "" {
		nc, err := connectNATS(cfg.NATS)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
		} else {
			defer nc.Close()
			bridge := server.NewNATSBridge(nc, ctrl, cfg.NATS.SubjectPrefix)
			start("nats", func() error { return bridge.Start(ctx) })
		}
	}

	// Optional: MQTT forwarder
	if cfg.MQTT.Broker != "" {
		forwarder := integration.NewMQTTForwarder(cfg.MQTT)
		start("mqtt", func() error { return forwarder.Start(ctx, ctrl) })
	}

	// Optional: REST API
	var apiServer *api.RESTServer
	if cfg.API.Port != 0 {
		apiServer = api.NewRESTServer(cfg, store, ctrl)
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		start("api", func() error {
			if err := apiServer.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	// Ask devices to announce themselves
	if err := ctrl.Probe(ctx); err != nil {
		log.Warn().Err(err).Msg("Discovery probe failed")
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
	case <-ctx.Done():
		log.Info().Msg("Context canceled, shutting down")
	}

	cancel()

	if apiServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
		}
	}

	// Wait for all services
	wg.Wait()
	return nil
}

func connectNATS(cfg config.NATSConfig) (*nats.Conn, error) {
	log.Info().Str("url", cfg.URL).Msg("Connecting to NATS...")

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			event := log.Error().Err(err)
			if sub != nil {
				event = event.Str("subject", sub.Subject)
			}
			event.Msg("NATS error")
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("Connected to NATS")
	return nc, nil
}
