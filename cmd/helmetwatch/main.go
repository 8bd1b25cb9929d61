package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"helmetwatch/internal/alerts"
	"helmetwatch/internal/api"
	"helmetwatch/internal/bridge"
	"helmetwatch/internal/codec"
	"helmetwatch/internal/config"
	"helmetwatch/internal/engine"
	"helmetwatch/internal/eventbus"
	"helmetwatch/internal/logging"
	"helmetwatch/internal/metrics"
	"helmetwatch/internal/model"
	"helmetwatch/internal/network"
	"helmetwatch/internal/sink"
	"helmetwatch/internal/storage"
	"helmetwatch/internal/transport"
)

var version = "dev"

// telemetryTopics are forwarded to storage, brokers and live clients.
var telemetryTopics = []string{
	model.SensorTopic(model.KindGas),
	model.SensorTopic(model.KindTemperature),
	model.SensorTopic(model.KindHumidity),
	model.SensorTopic(model.KindGPS),
	model.SensorTopic(model.KindAccelerometer),
	model.SensorTopic(model.KindGyroscope),
	model.TopicNetworkStatus,
	model.TopicFallAlert,
	model.TopicHazardAlert,
}

func main() {
	configPath := flag.String("config", "helmetwatch.yaml", "path to YAML or JSON config")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(config.ResolvePath(*configPath)); err != nil {
		fmt.Fprintln(os.Stderr, "helmetwatch:", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfgManager, err := loadConfig(path)
	if err != nil {
		return err
	}
	cfg := cfgManager.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting", "version", version, "config", cfgManager.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()
	bus := eventbus.New(logger)
	bus.OnHandlerError = collector.HandlerError

	readings := metrics.NewStore(collector)
	readings.Attach(bus)
	alertLog := alerts.NewStore(cfg.Alerts.StoreLimit)
	alertLog.Attach(bus)

	classifier, modelName, err := engine.NewClassifier(cfg.ML.FallDetection.ModelPath, cfg.ML.FallDetection.VarianceLimit)
	if err != nil {
		return fmt.Errorf("load fall model: %w", err)
	}
	eng := engine.NewEngine(cfg, bus, classifier, modelName, logger, collector)
	eng.Start()

	queues, history, err := startSinks(ctx, cfg, bus, logger, collector)
	if err != nil {
		return err
	}
	hub := api.NewHub(logger)
	if cfg.API.Enabled {
		// queues outlive ctx so Close can drain them after the manager stops
		q := sink.NewQueue(hub, sink.Options{QueueSize: cfg.Bridge.QueueSize, FlushInterval: 100 * time.Millisecond}, logger, collector)
		q.Subscribe(bus, telemetryTopics...)
		q.Start(context.WithoutCancel(ctx))
		queues = append(queues, q)
	}

	tr, err := transport.New(cfg.Network.Protocol, transport.Options{
		DialTimeout: config.Seconds(cfg.Network.DialTimeout),
		WSPath:      cfg.Network.WSPath,
	})
	if err != nil {
		return err
	}
	manager := network.NewManager(
		network.ManagerConfigFrom(cfg, cfgManager.Get),
		tr,
		codec.New(sensorUnits(cfg)),
		bus,
		logger,
		collector,
	)

	if cfg.API.Enabled {
		srv := api.NewServer(api.Deps{
			Config:    cfgManager,
			Readings:  readings,
			Alerts:    alertLog,
			History:   history,
			Conn:      manager,
			Engine:    eng,
			Collector: collector,
			Hub:       hub,
			Logger:    logger,
			Version:   version,
		})
		api.Start(ctx, cfg.API.Addr, srv, logger)
	} else {
		logger.Info("api disabled")
	}

	watchStop := make(chan struct{})
	go cfgManager.Watch(3*time.Second, func(next *config.Config) {
		eng.UpdateConfig(next)
		logger.Info("config reloaded", "path", cfgManager.Path())
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, watchStop)

	manager.Start(ctx)
	<-ctx.Done()
	logger.Info("shutting down")

	close(watchStop)
	manager.Stop()
	eng.Stop()
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, q := range queues {
		if err := q.Close(drainCtx); err != nil {
			logger.Warn("sink close failed", "sink", q.Name(), "err", err)
		}
	}
	bus.Close()
	logger.Info("stopped")
	return nil
}

// loadConfig falls back to defaults when path does not exist.
func loadConfig(path string) (*config.Manager, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	return config.NewManager(path)
}

func startSinks(ctx context.Context, cfg *config.Config, bus *eventbus.Bus, logger *slog.Logger, collector *metrics.Collector) ([]*sink.Queue, api.AlertHistory, error) {
	opts := sink.Options{QueueSize: cfg.Bridge.QueueSize, MaxRetries: 3}
	var queues []*sink.Queue
	var history api.AlertHistory

	if cfg.Storage.Enabled {
		store, err := storage.NewStore(cfg.Storage)
		if err != nil {
			return nil, nil, fmt.Errorf("open storage: %w", err)
		}
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("init storage: %w", err)
		}
		topics := []string{model.TopicFallAlert, model.TopicHazardAlert}
		if cfg.Storage.SaveReadings {
			topics = telemetryTopics
		}
		q := sink.NewQueue(storage.NewRecorder(store, cfg.Storage.SaveReadings), opts, logger, collector)
		q.Subscribe(bus, topics...)
		q.Start(context.WithoutCancel(ctx))
		queues = append(queues, q)
		history = store
		go storage.RunRetention(ctx, store, cfg.Storage.RetentionDays, time.Hour, logger)
		logger.Info("storage enabled", "driver", cfg.Storage.Driver, "save_readings", cfg.Storage.SaveReadings)
	}

	if cfg.Bridge.MQTT.Enabled {
		w, err := bridge.NewMQTTWriter(cfg.Bridge.MQTT, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := w.Connect(ctx); err != nil {
			logger.Warn("mqtt connect failed, retrying in background", "err", err)
		}
		q := sink.NewQueue(w, opts, logger, collector)
		q.Subscribe(bus, telemetryTopics...)
		q.Start(context.WithoutCancel(ctx))
		queues = append(queues, q)
		logger.Info("mqtt bridge enabled", "broker", cfg.Bridge.MQTT.Broker, "prefix", cfg.Bridge.MQTT.Prefix)
	}

	if cfg.Bridge.Kafka.Enabled {
		w, err := bridge.NewKafkaWriter(cfg.Bridge.Kafka)
		if err != nil {
			return nil, nil, err
		}
		q := sink.NewQueue(w, opts, logger, collector)
		q.Subscribe(bus, telemetryTopics...)
		q.Start(context.WithoutCancel(ctx))
		queues = append(queues, q)
		logger.Info("kafka bridge enabled", "brokers", cfg.Bridge.Kafka.Brokers, "topic", cfg.Bridge.Kafka.Topic)
	}
	return queues, history, nil
}

func sensorUnits(cfg *config.Config) map[model.Kind]string {
	units := make(map[model.Kind]string, len(cfg.Sensors))
	for name, sc := range cfg.Sensors {
		if sc.Unit != "" {
			units[model.Kind(name)] = sc.Unit
		}
	}
	return units
}
