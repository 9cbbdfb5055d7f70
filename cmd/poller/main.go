// The poller drains the payment-event outbox into Kafka and reports STK
// pushes whose callback is overdue. It only observes overdue transactions by
// querying the gateway; the store is mutated nowhere but the reconciler.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/pesaflow/mpesa-payment-service/internal/config"
	"github.com/pesaflow/mpesa-payment-service/internal/logger"
	"github.com/pesaflow/mpesa-payment-service/internal/mpesa"
	"github.com/pesaflow/mpesa-payment-service/internal/repo"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger("payment-poller")
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	gw := mpesa.NewClient(mpesa.Config{
		BaseURL:        cfg.Mpesa.BaseURL,
		ConsumerKey:    cfg.Mpesa.ConsumerKey,
		ConsumerSecret: cfg.Mpesa.ConsumerSecret,
		ShortCode:      cfg.Mpesa.ShortCode,
		Passkey:        cfg.Mpesa.Passkey,
		Timeout:        time.Duration(cfg.Mpesa.TimeoutSeconds) * time.Second,
	}, log)

	repository := repo.NewRepository(gdb, rdb, kw, log)

	interval := time.Duration(cfg.Poller.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	batch := cfg.Poller.BatchSize
	if batch <= 0 {
		batch = 100
	}
	window := time.Duration(cfg.Poller.PendingWindowSeconds) * time.Second
	if window <= 0 {
		window = 2 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("payment-poller started")
	for range ticker.C {
		ctx := context.Background()
		drainOutbox(ctx, repository, batch, log)
		reportOverduePending(ctx, repository, gw, window, log)
	}
}

func drainOutbox(ctx context.Context, r *repo.Repository, batch int, log *zap.SugaredLogger) {
	events, err := r.PollOutbox(ctx, batch)
	if err != nil {
		log.Errorf("poll outbox: %v", err)
		return
	}
	for _, evt := range events {
		if err := r.PublishEvent(ctx, evt); err != nil {
			log.Errorf("publish event id=%d: %v", evt.ID, err)
			continue
		}
		if err := r.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			log.Errorf("mark processed id=%d: %v", evt.ID, err)
		} else {
			log.Infof("event %d (%s) sent", evt.ID, evt.EventType)
		}
	}
}

func reportOverduePending(ctx context.Context, r *repo.Repository, gw *mpesa.Client, window time.Duration, log *zap.SugaredLogger) {
	stale, err := r.ListStalePending(ctx, time.Now().Add(-window), 20)
	if err != nil {
		log.Errorf("list stale pending: %v", err)
		return
	}
	for _, t := range stale {
		if t.CheckoutRequestID == nil {
			continue
		}
		resp, err := gw.QueryStatus(ctx, *t.CheckoutRequestID)
		if err != nil {
			log.Errorf("query status %s: %v", *t.CheckoutRequestID, err)
			continue
		}
		log.Warnf("transaction %s pending past window: gateway result %s (%s)",
			t.ID, resp.ResultCode, resp.ResultDesc)
	}
}
