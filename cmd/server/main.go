package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/jakande/bulksend-backend/internal/config"
	"github.com/jakande/bulksend-backend/internal/controller"
	"github.com/jakande/bulksend-backend/internal/db"
	"github.com/jakande/bulksend-backend/internal/logging"
	"github.com/jakande/bulksend-backend/internal/provider"
	"github.com/jakande/bulksend-backend/internal/queue"
	"github.com/jakande/bulksend-backend/internal/repository"
	"github.com/jakande/bulksend-backend/internal/service"
)

func main() {
	_ = godotenv.Load()

	ctx := context.Background()
	cfg, err := config.Load(ctx)
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.App.LogLevel, cfg.App.Environment)

	postgres, err := db.Connect(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer postgres.Close()
	log.Info().Msg("connected to PostgreSQL")

	campaignRepo := &repository.CampaignRepository{DB: postgres}
	recipientRepo := &repository.RecipientRepository{DB: postgres}
	batchRepo := &repository.BatchRepository{DB: postgres}

	stats := service.NewStatsService(recipientRepo)
	planner := &service.Planner{
		Recipients: recipientRepo,
		Batches:    batchRepo,
		Log:        log.With().Str("component", "planner").Logger(),
	}
	lifecycle := &service.LifecycleService{
		Campaigns:  campaignRepo,
		Recipients: recipientRepo,
		Planner:    planner,
		Stats:      stats,
		Log:        log.With().Str("component", "lifecycle").Logger(),
	}
	// The mock transport stands in for the real provider. In development,
	// accepted sends also publish a simulated delivery receipt so the worker
	// pipeline can be exercised end to end.
	var sender provider.Sender = &provider.MockSender{}
	if cfg.App.IsDevelopment() {
		if publisher, err := queue.NewReceiptPublisher(&cfg.Queue); err != nil {
			log.Warn().Err(err).Msg("receipt publisher unavailable, sends will not produce receipts")
		} else {
			defer publisher.Close()
			sender = &queue.ReceiptingSender{
				Inner:     sender,
				Publisher: publisher,
				Log:       log.With().Str("component", "receipting_sender").Logger(),
			}
		}
	}

	dispatcher := &service.Dispatcher{
		Campaigns:     campaignRepo,
		Recipients:    recipientRepo,
		Batches:       batchRepo,
		Planner:       planner,
		Lifecycle:     lifecycle,
		Sender:        sender,
		Subscriptions: provider.AllowAllRegistry{},
		Stats:         stats,
		Workers:       cfg.Dispatch.Workers,
		Limiter:       rate.NewLimiter(rate.Limit(cfg.Dispatch.RatePerSec), cfg.Dispatch.RatePerSec),
		SendTimeout:   cfg.Dispatch.SendTimeout,
		LeaseDuration: cfg.Dispatch.LeaseDuration,
		RetryNextDay:  cfg.Dispatch.RetryNextDay,
		Log:           log.With().Str("component", "dispatcher").Logger(),
	}

	if cfg.Queue.ConsumeInProcess {
		callbacks := &service.CallbackService{
			Recipients: recipientRepo,
			Stats:      stats,
			Log:        log.With().Str("component", "callbacks").Logger(),
		}
		consumer := queue.NewReceiptConsumer(callbacks, &cfg.Queue, log)
		go func() {
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("embedded receipt consumer stopped")
			}
		}()
	}

	campaignController := &controller.CampaignController{
		Campaigns:  campaignRepo,
		Lifecycle:  lifecycle,
		Dispatcher: dispatcher,
		Stats:      stats,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Group(campaignController.Routes)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	log.Info().Str("addr", srv.Addr).Msg("server running")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
