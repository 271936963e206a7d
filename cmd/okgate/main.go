package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"okgate/broker"
	"okgate/client"
	"okgate/config"
	"okgate/logger"
	"okgate/models"
	"okgate/server"
	"okgate/ws"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Okgate.Name,
		"version": cfg.Okgate.Version,
	}).Info("starting okgate")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Report.Enabled || strings.ToLower(cfg.Logging.Level) == "report" {
		if cfg.Report.CloudWatch.Enabled {
			logger.InitCloudWatch(cfg.Report.CloudWatch.Region, cfg.Report.CloudWatch.Namespace)
		}
		logger.StartReport(ctx, log, cfg.Report.Interval)
	}

	ropts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.WithError(err).Error("Invalid redis url")
		os.Exit(1)
	}
	rdb := redis.NewClient(ropts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.WithError(err).Error("Cannot reach redis")
		os.Exit(1)
	}

	opts := ws.Options{
		Timeout:   cfg.Exchange.Timeout,
		RetryMin:  cfg.Exchange.RetryMin,
		RetryMax:  cfg.Exchange.RetryMax,
		SendRate:  cfg.Exchange.SendRate,
		SendBurst: cfg.Exchange.SendBurst,
	}
	router := server.NewRouter(rdb, cfg.Exchange.WSURL, opts, cfg.Listen.InfoKey, nil)
	listener := broker.NewListener(rdb, router.Handle, cfg.Listen.Channel)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := listener.Run(ctx); err != nil {
			log.WithError(err).Error("listener failed")
		}
	}()

	if len(cfg.Servers) > 0 {
		ctl := client.New(rdb, cfg.Listen.Channel, cfg.Listen.InfoKey)
		go openConfigured(ctx, ctl, cfg.Servers, log)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.WithFields(logger.Fields{"signal": s.String()}).Info("shutting down")
		cancel()
		listener.Close()
		<-done
	case <-done:
		// a quit_server command stopped the listener
		log.Info("command channel closed, shutting down")
		cancel()
	}

	router.Shutdown()
	log.Info("okgate stopped")
}

// openConfigured brings up the connections named in the config once the
// listener is consuming commands, then subscribes each one. Subscribes
// are retried because the exchange connection comes up asynchronously.
func openConfigured(ctx context.Context, ctl *client.Client, servers []config.ServerConfig, log *logger.Log) {
	for _, s := range servers {
		entry := log.WithComponent("boot").WithFields(logger.Fields{"name": s.Name})

		auth := models.AuthParams{APIKey: s.APIKey, Secret: s.Secret, Password: s.Password}
		info, err := retry(ctx, func() (models.Info, error) {
			info, err := ctl.Open(ctx, s.Name, auth)
			if errors.Is(err, client.ErrNoGateway) {
				return info, err
			}
			if err == nil && info.ErrorCode != models.CodeOK {
				return info, errors.New("open rejected")
			}
			return info, err
		})
		if err != nil {
			entry.WithError(err).WithFields(logger.Fields{"reply": info}).Error("cannot open configured connection")
			continue
		}
		entry.Info("connection opened")

		if len(s.Subscribe) == 0 {
			continue
		}
		info, err = retry(ctx, func() (models.Info, error) {
			info, err := ctl.Subscribe(ctx, s.Name, s.Subscribe...)
			if err == nil && info.ErrorCode != models.CodeOK {
				return info, errors.New("subscribe rejected")
			}
			return info, err
		})
		if err != nil {
			entry.WithError(err).WithFields(logger.Fields{"reply": info}).Error("cannot subscribe configured channels")
			continue
		}
		entry.WithFields(logger.Fields{"channels": s.Subscribe}).Info("subscribed")
	}
}

// retry keeps calling fn until it succeeds, the context ends, or two
// minutes pass.
func retry(ctx context.Context, fn func() (models.Info, error)) (models.Info, error) {
	deadline := time.Now().Add(2 * time.Minute)
	for {
		info, err := fn()
		if err == nil {
			return info, nil
		}
		if time.Now().After(deadline) {
			return info, err
		}
		select {
		case <-ctx.Done():
			return info, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
