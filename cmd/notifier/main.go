package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	jsoniter "github.com/json-iterator/go"

	"rss_notify/internal/bot"
	"rss_notify/internal/config"
	"rss_notify/internal/fetcher"
	"rss_notify/internal/lock"
	"rss_notify/internal/scheduler"
	"rss_notify/internal/secret"
	"rss_notify/internal/storage"
	"rss_notify/internal/trigger"
)

const lockKey = "rss_notify:run"

func main() {
	once := flag.Bool("once", false, "run one batch, print the counts as JSON and exit")
	encrypt := flag.Bool("encrypt", false, "encrypt a credential or destination read from stdin and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	cipher, err := secret.New(cfg.EncryptionKey)
	if err != nil {
		log.Error("create cipher", "error", err)
		os.Exit(1)
	}

	if *encrypt {
		if err := encryptStdin(cipher); err != nil {
			log.Error("encrypt", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		log.Error("open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	locker, closeLocker, err := newLocker(ctx, cfg)
	if err != nil {
		log.Error("create run lock", "error", err)
		os.Exit(1)
	}
	defer closeLocker()

	httpClient := &http.Client{}
	feeds := fetcher.New(httpClient)
	sender := bot.NewSender(httpClient, cfg.TelegramAPIURL, cfg.SendRate)
	sched := scheduler.New(store, feeds, sender, cipher, locker, log, scheduler.Options{
		PageSize:     cfg.PageSize,
		Workers:      cfg.Workers,
		FetchTimeout: cfg.FetchTimeout,
		SendTimeout:  cfg.SendTimeout,
	})

	if *once {
		res, err := sched.RunOnce(ctx)
		if err != nil {
			log.Error("run notifications", "error", err)
			os.Exit(1)
		}
		_ = jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout).Encode(res)
		return
	}

	if !cfg.ScheduleEnabled() && cfg.HTTPAddr == "" {
		log.Error("nothing to do: CHECK_SCHEDULE is off and HTTP_ADDR is empty")
		os.Exit(1)
	}

	log.Info("starting notifier", "schedule", cfg.CheckSchedule, "http_addr", cfg.HTTPAddr)

	if cfg.ScheduleEnabled() {
		c, err := trigger.NewCron(ctx, cfg.CheckSchedule, sched, log)
		if err != nil {
			log.Error("create cron", "error", err)
			os.Exit(1)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
	}

	if cfg.HTTPAddr != "" {
		srv := trigger.NewServer(sched, feeds, cfg.CronToken, log)
		if err := srv.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
			log.Error("http server", "error", err)
			cancel()
		}
	} else {
		<-ctx.Done()
	}

	log.Info("notifier stopped")
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	if cfg.DatabaseURL != "" {
		return storage.NewPostgres(ctx, cfg.DatabaseURL)
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}
	return storage.NewSQLite(cfg.DatabasePath)
}

func newLocker(ctx context.Context, cfg *config.Config) (lock.Locker, func(), error) {
	if cfg.RedisURL == "" {
		return lock.NewLocal(), func() {}, nil
	}
	client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return lock.NewRedis(client, lockKey, cfg.LockTTL), func() { _ = client.Close() }, nil
}

func encryptStdin(cipher *secret.Cipher) error {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read stdin: %w", err)
	}
	token, err := cipher.Encrypt(strings.TrimSpace(line))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
