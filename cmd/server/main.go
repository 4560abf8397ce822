package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rinzindorjit/b4uesports/internal/config"
	"github.com/rinzindorjit/b4uesports/internal/gateway"
	"github.com/rinzindorjit/b4uesports/internal/logger"
	"github.com/rinzindorjit/b4uesports/internal/mailer"
	"github.com/rinzindorjit/b4uesports/internal/model"
	"github.com/rinzindorjit/b4uesports/internal/piauth"
	"github.com/rinzindorjit/b4uesports/internal/pricing"
	"github.com/rinzindorjit/b4uesports/internal/repo"
	"github.com/rinzindorjit/b4uesports/internal/service"
	httptransport "github.com/rinzindorjit/b4uesports/internal/transport/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.User{}, &model.Package{}, &model.Transaction{}, &model.OutboxEvent{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}
	seedCatalog(gdb, log)

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. ledger, oracle, gateway, mailer, engine
	ledger := repo.NewLedger(gdb, rdb, kw, log)

	fallback, err := decimal.NewFromString(cfg.Pricing.FallbackRate)
	if err != nil {
		log.Fatalf("fallback rate %q: %v", cfg.Pricing.FallbackRate, err)
	}
	oracle := pricing.NewOracle(pricing.Config{
		FeedURL:         cfg.Pricing.FeedURL,
		RefreshInterval: time.Duration(cfg.Pricing.RefreshSeconds) * time.Second,
		FallbackRate:    fallback,
		Timeout:         time.Duration(cfg.Pricing.TimeoutSeconds) * time.Second,
	}, ledger, log)
	oracle.Start(context.Background())
	defer oracle.Stop()

	piTimeout := time.Duration(cfg.Pi.TimeoutSeconds) * time.Second
	gw := gateway.NewClient(cfg.Pi.BaseURL, cfg.Pi.APIKey, piTimeout, log)
	verifier := piauth.NewVerifier(cfg.Pi.BaseURL, piTimeout, log)
	mail := mailer.NewSMTPMailer(cfg.SMTP, log)

	svc := service.NewPaymentService(ledger, gw, oracle, mail, log)

	// 7. gin router
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	router := httptransport.NewRouter(svc, verifier, cfg.RateLimit, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("b4u-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}

// seedCatalog inserts the default packages on an empty catalog.
func seedCatalog(gdb *gorm.DB, log *zap.SugaredLogger) {
	var count int64
	if err := gdb.Model(&model.Package{}).Count(&count).Error; err != nil {
		log.Fatalf("count packages: %v", err)
	}
	if count > 0 {
		return
	}
	pkgs := model.DefaultPackages()
	if err := gdb.Create(&pkgs).Error; err != nil {
		log.Fatalf("seed packages: %v", err)
	}
}
