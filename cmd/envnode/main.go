package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"envnode/internal/api"
	"envnode/internal/auth"
	"envnode/internal/config"
	"envnode/internal/connectivity"
	"envnode/internal/device"
	"envnode/internal/events"
	"envnode/internal/influx"
	"envnode/internal/led"
	"envnode/internal/logger"
	"envnode/internal/mqtt"
	"envnode/internal/ota"
	"envnode/internal/sensor"
	"envnode/internal/storage"
	"envnode/internal/timing"
	"envnode/internal/wifi"
)

// Version is set at build time via -ldflags "-X main.Version=vX.Y.Z"
var Version = "dev"

const (
	eventJournalSize = 200
	shutdownTimeout  = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (searched in default locations if empty)")
	envFile := flag.String("env", ".env", "Optional .env file loaded before the config")
	showVersion := flag.Bool("version", false, "Print version and exit")
	issueToken := flag.String("issue-token", "", "Print an API token for the named client and exit")
	tokenRole := flag.String("role", string(auth.RoleReadOnly), "Role for -issue-token: readonly or admin")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	path, err := config.FindConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.Get(cfg.LogLevel)
	defer log.Sync()

	if err := run(cfg, path, *issueToken, auth.Role(*tokenRole), log); err != nil {
		log.Errorw("envnode stopped with error", "error", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath, issueFor string, issueRole auth.Role, log *logger.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := storage.NewBoltStorage(filepath.Join(cfg.DataDir, "envnode.db"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	secret, err := jwtSecret(cfg, store)
	if err != nil {
		return err
	}
	jwtManager, err := auth.NewJWTManager(secret, cfg.API.JWTExpiration)
	if err != nil {
		return err
	}

	if issueFor != "" {
		token, err := jwtManager.GenerateToken(&auth.Client{Name: issueFor, Role: issueRole})
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Println(token)
		return nil
	}

	log.Infow("envnode starting", "version", Version, "config", configPath, "settings", cfg.String())

	bootCount, err := store.Increment(storage.NamespaceDevice, "boot_count")
	if err != nil {
		log.Warnw("Cannot update boot counter", "error", err)
	}

	journal := events.NewStore(eventJournalSize)
	if err := journal.Attach(store); err != nil {
		log.Warnw("Cannot load event journal", "error", err)
	}
	journal.Add(events.EventBoot, "main", true, fmt.Sprintf("%s boot #%d", Version, bootCount))

	driver, err := openSensor(cfg.Sensor)
	if err != nil {
		return err
	}
	source := sensor.NewSource(driver)
	defer source.Close()

	statusLED := openLED(cfg.LED, log)

	mqttLog := log.Named("mqtt")
	mqttClient := mqtt.New(mqtt.Config{
		ClientID:          cfg.MQTT.ClientID,
		Username:          cfg.MQTT.Username,
		Password:          cfg.MQTT.Password,
		ConnectTimeout:    cfg.MQTT.ConnectTimeout,
		BufferSize:        cfg.MQTT.BufferSize,
		AvailabilityTopic: cfg.MQTT.AvailabilityTopic,
	}, mqttLog)
	mqttClient.SetConnectionLostHandler(func(err error) {
		journal.Add(events.EventMQTTDropped, "mqtt", false, err.Error())
	})

	publisher := mqtt.NewPublisher(mqttClient, mqtt.PublisherConfig{
		TopicRoot:     cfg.MQTT.TopicRoot,
		CombinedTopic: cfg.MQTT.CombinedTopic,
		StatsTopic:    cfg.MQTT.StatsTopic,
		SketchName:    cfg.Device.SketchName,
		Notes:         cfg.Device.Notes,
		SensorName:    cfg.Sensor.Name,
	}, mqttLog)

	var discovery *mqtt.DiscoveryManager
	if cfg.MQTT.Discovery {
		discovery = mqtt.NewDiscoveryManager(mqttClient, store, cfg.MQTT.DiscoveryPrefix, log.Named("discovery"))
	}

	manager, err := connectivity.New(connectivity.Options{
		Networks:          cfg.Networks,
		StartIndex:        cfg.NetworkIndex,
		Hostname:          cfg.Device.Hostname,
		WiFiEnabled:       cfg.WiFi.Enabled,
		ConnectTimeout:    cfg.WiFi.ConnectTimeout,
		ScanBeforeJoin:    cfg.WiFi.ScanBeforeJoin,
		CommandTopic:      cfg.MQTT.CommandTopic,
		ReconnectDelay:    cfg.MQTT.ReconnectDelay,
		ReconnectCooldown: cfg.MQTT.ReconnectCooldown,
	}, wifi.NewNMCLI(cfg.WiFi.Interface), mqttClient, timing.NewSystemClock(), journal, log.Named("net"))
	if err != nil {
		return fmt.Errorf("connectivity: %w", err)
	}

	var sinks []device.TelemetrySink
	if cfg.Influx.Enabled() {
		writer := influx.NewWriter(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket, cfg.Sensor.Name)
		defer writer.Close()
		hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := writer.Health(hctx); err != nil {
			log.Warnw("InfluxDB not reachable, writes will be retried each publish", "url", cfg.Influx.URL, "error", err)
		}
		cancel()
		sinks = append(sinks, writer)
	}

	hub := api.NewTelemetryHub(log.Named("ws"))

	agent, err := device.New(device.Options{
		PollInterval:      cfg.Schedule.Poll,
		PublishInterval:   cfg.Schedule.Publish,
		BlinkInterval:     cfg.Schedule.Blink,
		Tick:              cfg.Schedule.Tick,
		MaxAttempts:       cfg.MQTT.MaxAttempts,
		Version:           Version,
		BootCount:         bootCount,
		SensorModel:       driver.Name(),
		AvailabilityTopic: cfg.MQTT.AvailabilityTopic,
	}, device.Deps{
		Source:      source,
		LED:         statusLED,
		Network:     manager,
		Publisher:   publisher,
		Discovery:   discovery,
		Events:      journal,
		Sinks:       sinks,
		Broadcaster: hub,
		Log:         log.Named("device"),
	})
	if err != nil {
		return fmt.Errorf("device: %w", err)
	}

	var updater api.Updater
	if cfg.OTA.Enabled {
		u, err := ota.New(ota.Options{
			CurrentVersion: Version,
			WorkDir:        cfg.OTA.WorkDir,
			FeedURL:        cfg.OTA.FeedURL,
			PublicKey:      cfg.OTA.PublicKey,
			Service:        cfg.OTA.Service,
			Restart:        cfg.OTA.Restart,
		}, store, journal, log.Named("ota"))
		if err != nil {
			log.Warnw("OTA updates disabled", "error", err)
		} else {
			updater = u
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return agent.Run(gctx)
	})

	if cfg.API.Enabled {
		if cfg.API.NoAuth {
			log.Warnw("API authentication is DISABLED")
		}
		server := api.NewServer(api.Options{
			Version:   Version,
			NoAuth:    cfg.API.NoAuth,
			UploadDir: filepath.Join(cfg.DataDir, "uploads"),
		}, api.Deps{
			Device:  agent,
			Events:  journal,
			Updater: updater,
			JWT:     jwtManager,
			Hub:     hub,
			Log:     log.Named("api"),
		})
		defer server.Close()
		if err := os.MkdirAll(filepath.Join(cfg.DataDir, "uploads"), 0o700); err != nil {
			return fmt.Errorf("create upload dir: %w", err)
		}

		httpServer := &http.Server{
			Addr:              cfg.API.Listen,
			Handler:           server.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			log.Infow("API listening", "addr", cfg.API.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(sctx)
		})
	}

	err = g.Wait()
	mqttClient.Disconnect()
	journal.Add(events.EventShutdown, "main", err == nil, "")
	log.Infow("envnode stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// jwtSecret returns the configured secret, or a generated one persisted
// in storage so issued tokens survive restarts.
func jwtSecret(cfg *config.Config, store storage.Storage) (string, error) {
	if cfg.API.JWTSecret != "" {
		return cfg.API.JWTSecret, nil
	}

	secret, err := store.GetString(storage.NamespaceAuth, "jwt_secret")
	if err == nil && secret != "" {
		return secret, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("read jwt secret: %w", err)
	}

	secret, err = config.GenerateSecret(32)
	if err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	if err := store.SetString(storage.NamespaceAuth, "jwt_secret", secret); err != nil {
		return "", fmt.Errorf("save jwt secret: %w", err)
	}
	return secret, nil
}

func openSensor(cfg config.SensorConfig) (sensor.Driver, error) {
	switch cfg.Driver {
	case "simulated":
		return sensor.NewSimulated(), nil
	default:
		d, err := sensor.OpenHTU21D(cfg.Bus, cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("open sensor: %w", err)
		}
		return d, nil
	}
}

// openLED falls back to a no-op LED so a missing pin never stops the device.
func openLED(cfg config.LEDConfig, log *logger.Logger) led.LED {
	if !cfg.Enabled {
		return &led.Noop{}
	}
	l, err := led.OpenGPIO(cfg.Pin, cfg.Inverted)
	if err != nil {
		log.Warnw("Status LED unavailable", "pin", cfg.Pin, "error", err)
		return &led.Noop{}
	}
	return l
}
