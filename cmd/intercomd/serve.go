package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"intercom/internal/core/domain"
	"intercom/internal/core/ports"
	"intercom/internal/core/services"
	httphandlers "intercom/internal/handlers/http"
	"intercom/internal/infrastructure/audio"
	"intercom/internal/infrastructure/distributed"
	"intercom/internal/infrastructure/monitoring"
	"intercom/internal/infrastructure/repositories"
	signalhub "intercom/internal/infrastructure/signal"
	"intercom/internal/infrastructure/tap"
	"intercom/internal/infrastructure/transport"
	"intercom/pkg/config"
	"intercom/pkg/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the intercom engine and its control API",
	Long: `Run the intercom engine.

In server role the engine listens for the bridge on intercom.listen_address;
in client role it dials intercom.remote_address (or the selected contact when
the device registry is enabled) whenever a call is started.

The control API (status, call commands, settings, contacts, /ws/events) is
served on server.address.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	zapLogger := newLogger(cfg)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "intercomd",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			log.Warnw("failed to shut down tracer", "error", err)
		}
	}()

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		return fmt.Errorf("create repository factory: %w", err)
	}
	defer func() {
		if err := repoFactory.Close(); err != nil {
			log.Errorw("error closing repositories", "error", err)
		}
	}()
	settingsRepo, err := repoFactory.CreateSettingsRepository()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewPrometheusCollector(registry)

	settings := services.NewSettingsService(
		settingsRepo,
		repoFactory.Store(),
		domain.DefaultSettings(cfg.Intercom.AutoAnswer, cfg.Intercom.AEC),
		cfg.Settings.SaveDebounce,
		metrics,
		log,
	)
	contacts := services.NewContactBook(cfg.Intercom.DeviceName, cfg.Contacts.Default)
	if cfg.Contacts.List != "" {
		contacts.SetCSV(cfg.Contacts.List)
	}

	devices, err := audio.NewDevices(cfg, log)
	if err != nil {
		return fmt.Errorf("open audio devices: %w", err)
	}
	defer devices.Close()

	var audioTap ports.AudioTap
	if cfg.Tap.Enabled {
		t, err := tap.Dial(ctx, tap.Config{
			Address:      cfg.Tap.Address,
			PayloadType:  cfg.Tap.PayloadType,
			RTCPInterval: cfg.Tap.RTCPInterval,
		}, log.Named("tap"))
		if err != nil {
			return err
		}
		defer t.Close()
		audioTap = t
		log.Infow("RTP tap enabled", "address", cfg.Tap.Address)
	}

	instanceID := uuid.NewString()
	redisClient := repoFactory.RedisClient()

	// The hub needs the engine and the engine publishes to the hub, so the
	// hub is bound through a func sink before Run.
	var hub *signalhub.Hub
	sinks := services.FanOut{ports.EventSinkFunc(func(ev domain.Event) { hub.Publish(ev) })}

	var bus *distributed.EventBus
	if cfg.Events.RedisPublish && redisClient != nil {
		bus = distributed.NewEventBus(redisClient, cfg.Events.RedisChannel, instanceID, cfg.Intercom.DeviceName, log.Named("events"))
		sinks = append(sinks, bus)
	}

	var devicesReg *distributed.DeviceRegistry
	var resolver ports.AddressResolver
	if cfg.Registry.Enabled && redisClient != nil {
		devicesReg = distributed.NewDeviceRegistry(redisClient, instanceID, cfg.Registry.TTL, log.Named("registry"))
		defer devicesReg.Close()
		resolver = devicesReg
	}

	engine, err := services.NewEngine(services.NewEngineConfig(cfg), services.EngineDeps{
		Transport:  transport.NewTCP(0, log.Named("transport")),
		Microphone: devices.Mic,
		Speaker:    devices.Speaker,
		AEC:        devices.AEC,
		Settings:   settings,
		Contacts:   contacts,
		Events:     sinks,
		Metrics:    metrics,
		Tap:        audioTap,
		Resolver:   resolver,
		Logger:     log.Named("engine"),
	})
	if err != nil {
		return err
	}

	hub = signalhub.NewHub(engine, signalhub.Options{
		AllowedOrigins:    allowedOrigins(cfg.Auth.AllowedOrigins),
		MessagesPerSecond: wsRate(cfg),
		Burst:             cfg.RateLimiting.WebSocket.Burst,
		MaxMessageSize:    cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}, log.Named("hub"))
	defer hub.Close()

	health := monitoring.NewHealthChecker()
	health.AddEngineCheck(engine.Ready(), engine.Done())
	health.AddSettingsStoreCheck(settingsRepo, 2*time.Second)
	if redisClient != nil {
		health.AddRedisCheck(redisClient, 2*time.Second)
	}

	var authService services.AuthService
	if cfg.Auth.Enabled {
		authService = services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.APIKey, cfg.Auth.AccessTokenTTL, "intercomd")
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httphandlers.NewRouter(cfg, httphandlers.RouterDeps{
		Calls:    engine,
		Settings: settings,
		Contacts: contacts,
		Auth:     authService,
		Health:   health,
		Gatherer: registry,
		Hub:      hub,
		Logger:   zapLogger,
	})
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		log.Infow("control API listening", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down control API")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Errorw("error during server shutdown", "error", err)
			return srv.Close()
		}
		return nil
	})
	if bus != nil {
		g.Go(func() error { return bus.Run(gctx) })
		g.Go(func() error {
			err := bus.Subscribe(gctx, func(env distributed.Envelope) {
				log.Debugw("event from another intercom",
					"device", env.Device, "type", env.Event.Type, "call_id", env.Event.CallID)
			})
			if err != nil && gctx.Err() == nil {
				log.Warnw("event subscription ended", "error", err)
			}
			return nil
		})
	}
	if devicesReg != nil && cfg.Intercom.Role == config.RoleServer {
		g.Go(func() error {
			select {
			case <-engine.Ready():
			case <-gctx.Done():
				return nil
			}
			addr := advertiseAddress(cfg, engine.Addr())
			if err := devicesReg.Register(gctx, cfg.Intercom.DeviceName, addr); err != nil {
				return fmt.Errorf("device registry: %w", err)
			}
			return nil
		})
	}

	log.Infow("intercomd starting",
		"instance_id", instanceID,
		"role", cfg.Intercom.Role,
		"device", cfg.Intercom.DeviceName,
		"settings_store", repoFactory.Store(),
	)
	err = g.Wait()
	if err != nil {
		log.Errorw("intercomd stopped with error", "error", err)
		return err
	}
	log.Info("intercomd stopped")
	return nil
}

// advertiseAddress is what other intercoms should dial: the configured
// address, or this host's name with the bound port.
func advertiseAddress(cfg *config.Config, bound net.Addr) string {
	if cfg.Registry.AdvertiseAddress != "" {
		return cfg.Registry.AdvertiseAddress
	}
	port := ""
	if bound != nil {
		_, port, _ = net.SplitHostPort(bound.String())
	}
	if port == "" {
		_, port, _ = net.SplitHostPort(cfg.Intercom.ListenAddress)
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

func allowedOrigins(origins []string) []string {
	for _, o := range origins {
		if o == "*" {
			return nil
		}
	}
	return origins
}

func wsRate(cfg *config.Config) float64 {
	if !cfg.RateLimiting.Enabled {
		return 0
	}
	return cfg.RateLimiting.WebSocket.MessagesPerSecond
}
