// The worker consumes delivery receipts from the provider's callback channel
// (RabbitMQ) and applies them to the recipient registry.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/jakande/bulksend-backend/internal/config"
	"github.com/jakande/bulksend-backend/internal/db"
	"github.com/jakande/bulksend-backend/internal/logging"
	"github.com/jakande/bulksend-backend/internal/queue"
	"github.com/jakande/bulksend-backend/internal/repository"
	"github.com/jakande/bulksend-backend/internal/service"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	recipientRepo := &repository.RecipientRepository{DB: postgres}
	callbacks := &service.CallbackService{
		Recipients: recipientRepo,
		Stats:      service.NewStatsService(recipientRepo),
		Log:        log.With().Str("component", "callbacks").Logger(),
	}

	consumer := queue.NewReceiptConsumer(callbacks, &cfg.Queue, log)
	log.Info().Msg("worker running, waiting for delivery receipts")
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("consumer stopped")
	}
}
