package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/alert"
	"github.com/zmon/zmon-worker/internal/check"
	"github.com/zmon/zmon-worker/internal/config"
	"github.com/zmon/zmon-worker/internal/eval"
	"github.com/zmon/zmon-worker/internal/kairosdb"
	"github.com/zmon/zmon-worker/internal/notify"
	"github.com/zmon/zmon-worker/internal/queue"
	"github.com/zmon/zmon-worker/internal/rpc"
	"github.com/zmon/zmon-worker/internal/shipper"
	"github.com/zmon/zmon-worker/internal/storage"
	"github.com/zmon/zmon-worker/internal/supervisor"
	"github.com/zmon/zmon-worker/internal/web"
	"github.com/zmon/zmon-worker/internal/worker"

	"github.com/redis/go-redis/v9"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the YAML configuration file")
		childMode  = flag.Bool("child", false, "run as a worker child (internal)")
		queueName  = flag.String("queue", "default", "queue to consume (child mode)")
		workerName = flag.String("worker", "", "worker name (child mode)")
		busURL     = flag.String("bus", "", "supervisor bus URL (child mode)")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if *childMode {
		runChild(cfg, *workerName, *queueName, *busURL, logger)
		return
	}
	runSupervisor(cfg, *configPath, logger)
}

// runSupervisor is the parent process: embedded bus, process table,
// journal and the HTTP control surface.
func runSupervisor(cfg *config.Config, configPath string, logger *zap.Logger) {
	executable, err := os.Executable()
	if err != nil {
		logger.Fatal("Failed to resolve own executable", zap.Error(err))
	}
	busURL := fmt.Sprintf("nats://127.0.0.1:%d", cfg.Server.Port)

	spawner := func(name, queueName string) (*exec.Cmd, error) {
		args := []string{
			"--child",
			"--queue", queueName,
			"--worker", name,
			"--bus", busURL,
		}
		if configPath != "" {
			args = append(args, "--config", configPath)
		}
		cmd := exec.Command(executable, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd, nil
	}

	journal, err := supervisor.NewJournal("worker_journal.db", logger)
	if err != nil {
		logger.Fatal("Failed to open journal", zap.Error(err))
	}

	table := supervisor.NewTable(spawner, logger)
	sup := supervisor.New(table, journal, logger)

	var assignments []supervisor.QueueAssignment
	for _, spec := range cfg.ZMON.QueueSpecs() {
		assignments = append(assignments, supervisor.QueueAssignment{
			Queue:   spec.Name,
			Workers: spec.Workers,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx, cfg.Server.Port, assignments); err != nil {
		logger.Fatal("Failed to start supervisor", zap.Error(err))
	}

	webAddr := fmt.Sprintf("%s:%d", cfg.Webserver.ListenOn, cfg.Webserver.Port)
	webServer := web.New(webAddr, sup.Table(), journal, logger)
	webServer.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := webServer.Stop(shutdownCtx); err != nil {
		logger.Warn("Control surface shutdown failed", zap.Error(err))
	}
	sup.Stop()
}

// runChild is one worker process: queue consumption, check execution,
// alert reconciliation, shipping and the watchdog.
func runChild(cfg *config.Config, workerName, queueName, busURL string, logger *zap.Logger) {
	if workerName == "" {
		// Standalone child without a supervisor-assigned name. PIDs get
		// reused, so key the name on something unique instead.
		workerName = fmt.Sprintf("worker-%s-%s", queueName, uuid.NewString()[:8])
	}
	logger = logger.With(zap.String("worker", workerName))

	bus, err := rpc.Connect(busURL, logger)
	if err != nil {
		logger.Fatal("Failed to connect to supervisor bus", zap.Error(err))
	}
	defer bus.Close()

	servers := cfg.Redis.ServerList()
	queueClient, err := queue.NewClient(servers, queue.DefaultOptions(), logger)
	if err != nil {
		logger.Fatal("Failed to create queue client", zap.Error(err))
	}
	defer queueClient.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		DB:   cfg.Redis.DB,
	})
	defer rdb.Close()
	store := storage.NewRedisStore(rdb, logger)

	registry := eval.NewRegistry(logger)
	registry.Register(eval.HTTPFactory{})
	registry.Register(eval.TimeFactory{})
	registry.Register(eval.EntityFactory{})

	var policy eval.CommandPolicy = eval.AllowAllPolicy{}
	if cfg.Worker.IsSecure {
		policy = eval.NewListPolicy(cfg.SafeRepositories)
	}

	var sink check.MetricsSink
	if cfg.KairosDB.Enabled {
		sink = kairosdb.NewClient(cfg.KairosDB.Host, cfg.KairosDB.Port, logger)
	}

	limits := check.Limits{
		MaxResultSizeKB: cfg.Result.Size,
		MaxResultKeys:   cfg.Result.Keys.Count,
		HistorySize:     cfg.Result.History.Size,
	}
	runner := check.NewRunner(store, registry, policy, sink, workerName, limits, logger)

	dispatcher := notify.NewDispatcher(store, logger)
	notify.RegisterDefaults(dispatcher, notify.MailConfig{
		Host:   cfg.Notifications.Mail.Host,
		Port:   cfg.Notifications.Mail.Port,
		Sender: cfg.Notifications.Mail.Sender,
		User:   cfg.Notifications.Mail.User,
		Pass:   cfg.Notifications.Mail.Pass,
		TLS:    cfg.Notifications.Mail.TLS,
	}, cfg.Notifications.Slack.WebhookURL, cfg.Notifications.Opsgenie.APIKey, cfg.Notifications.Pagerduty.RoutingKey, logger)
	dispatcher.SetAlertHost(cfg.ZMON.Host)

	events := worker.NewEventCollector(workerName, logger)
	evaluator := alert.NewEvaluator(store, cfg.Result.History.Size, logger)
	manager := alert.NewManager(store, evaluator, dispatcher, events, workerName, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ship *shipper.Shipper
	if cfg.DataService.URL != "" {
		opts := shipper.DefaultOptions()
		if cfg.DataService.Buffer.Retries > 0 {
			opts.MaxRetries = cfg.DataService.Buffer.Retries
		}
		if cfg.DataService.Buffer.Delay > 0 {
			opts.Interval = cfg.DataService.Buffer.Delay
		}
		var tokens shipper.TokenProvider
		if cfg.DataService.OAuth2 {
			tokens = shipper.EnvTokenProvider{Variable: "WORKER_OAUTH2_ACCESS_TOKEN"}
		}
		ship = shipper.New(cfg.DataService.URL, cfg.Account, cfg.Team, cfg.Region, tokens, opts, logger)
		ship.Start(ctx)
		defer ship.Stop()
	}

	watchdog := worker.NewWatchdog(workerName, bus, events, logger)
	watchdog.Start()
	defer watchdog.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	w := worker.New(workerName, []string{queueName}, queueClient, runner, manager, ship, store, watchdog, events, logger)
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal("Worker loop failed", zap.Error(err))
	}
}
