package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/pilgrim-chat/internal/api"
	"github.com/npezzotti/pilgrim-chat/internal/broker"
	"github.com/npezzotti/pilgrim-chat/internal/chat"
	"github.com/npezzotti/pilgrim-chat/internal/config"
	"github.com/npezzotti/pilgrim-chat/internal/database"
	"github.com/npezzotti/pilgrim-chat/internal/notify"
	"github.com/npezzotti/pilgrim-chat/internal/server"
	"github.com/npezzotti/pilgrim-chat/internal/stats"
	"github.com/npezzotti/pilgrim-chat/internal/storage"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	opts           config.Options
	allowedOrigins stringSliceFlag
	configFile     string
	seedFile       string
	runWorker      bool
)

func main() {
	flag.StringVar(&opts.ServerAddr, "addr", "localhost:8000", "server address")
	flag.StringVar(&opts.DatabaseDSN, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string, or mem:// for the in-memory store")
	flag.StringVar(&opts.SigningKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&opts.RedisURL, "redis-url", "", "redis url for cross-instance events and notifications (optional)")
	flag.StringVar(&opts.MediaDir, "media-dir", "./media", "directory for uploaded media")
	flag.StringVar(&opts.MediaBaseURL, "media-base-url", "http://localhost:8000/media", "public base url of uploaded media")
	flag.Int64Var(&opts.MaxUploadBytes, "max-upload-bytes", 25<<20, "maximum size of an uploaded file")
	flag.StringVar(&opts.SMTPAddr, "smtp-addr", "", "smtp server host:port for notification mail (optional)")
	flag.StringVar(&opts.SMTPFrom, "smtp-from", "", "sender address of notification mail")
	flag.StringVar(&opts.SMTPUsername, "smtp-username", "", "smtp username")
	flag.StringVar(&opts.SMTPPassword, "smtp-password", "", "smtp password")
	flag.StringVar(&configFile, "config", "", "optional YAML config file")
	flag.StringVar(&seedFile, "seed", "", "JSON file of members to upsert at startup")
	flag.BoolVar(&runWorker, "worker", true, "run the notification worker in this process when redis is configured")
	flag.Parse()

	logger := log.New(os.Stderr, "[pilgrim-chat] ", log.LstdFlags)

	opts.AllowedOrigins = allowedOrigins
	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		explicit[config.Key(f.Name)] = true
	})

	resolved, err := config.Resolve(opts, configFile, explicit)
	if err != nil {
		logger.Fatal("config:", err)
	}

	cfg, err := resolved.Config()
	if err != nil {
		logger.Fatal("config:", err)
	}

	db, err := openRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	if seedFile != "" {
		n, err := seedMembers(context.Background(), db, seedFile)
		if err != nil {
			logger.Fatal("seed:", err)
		}
		logger.Printf("seeded %d members from %s", n, seedFile)
	}

	events, err := newBroker(cfg, logger)
	if err != nil {
		logger.Fatal("broker:", err)
	}
	defer events.Close()

	notifier, worker, err := newNotifier(cfg, logger)
	if err != nil {
		logger.Fatal("notifier:", err)
	}

	blobs, err := storage.NewFileStore(cfg.MediaDir, cfg.MediaBaseURL, logger)
	if err != nil {
		logger.Fatal("media store:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	svc := chat.NewService(logger, db, events, notifier, statsUpdater)

	chatServer, err := server.NewChatServer(logger, svc, events.Events(), statsUpdater)
	if err != nil {
		logger.Fatal("new chat server:", err)
	}
	svc.SetPresence(chatServer)

	srv := api.NewChatApp(mux, logger, chatServer, db, svc, blobs, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	if worker != nil {
		if err := worker.Start(); err != nil {
			logger.Fatal("notification worker:", err)
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat server shutdown:", err)
	}

	if worker != nil {
		worker.Shutdown()
	}
	if closer, ok := notifier.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Println("notifier close:", err)
		}
	}

	logger.Println("shutdown complete")
}

func openRepository(dsn string) (database.Repository, error) {
	if database.IsMemoryDSN(dsn) {
		return database.NewMemRepository(), nil
	}

	pg, err := database.NewPgRepository(dsn)
	if err != nil {
		return nil, err
	}

	if err := pg.Migrate(); err != nil {
		pg.Close()
		return nil, err
	}

	return pg, nil
}

func newBroker(cfg *config.Config, logger *log.Logger) (broker.Broker, error) {
	if cfg.RedisURL == "" {
		return broker.NewLocalBroker(), nil
	}
	return broker.NewRedisBroker(cfg.RedisURL, logger)
}

// newNotifier returns the notifier and, when redis is configured and the
// worker flag is set, the worker that delivers its mail.
func newNotifier(cfg *config.Config, logger *log.Logger) (notify.Notifier, *notify.Worker, error) {
	if cfg.RedisURL == "" {
		logger.Println("redis not configured, new message notifications are disabled")
		return notify.Nop{}, nil, nil
	}

	queue, err := notify.NewQueueNotifier(cfg.RedisURL, logger)
	if err != nil {
		return nil, nil, err
	}

	if !runWorker {
		return queue, nil, nil
	}

	var mailer notify.Mailer = notify.LogMailer{Log: logger}
	if cfg.SMTP.Addr != "" {
		smtpMailer, err := notify.NewSMTPMailer(cfg.SMTP)
		if err != nil {
			queue.Close()
			return nil, nil, err
		}
		mailer = smtpMailer
	}

	worker, err := notify.NewWorker(cfg.RedisURL, mailer, logger)
	if err != nil {
		queue.Close()
		return nil, nil, err
	}

	return queue, worker, nil
}
