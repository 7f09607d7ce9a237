// The seeder creates a demo campaign with a synthetic audience and activates
// it so the dispatch pipeline can be exercised locally.
package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/joho/godotenv"

	"github.com/jakande/bulksend-backend/internal/config"
	"github.com/jakande/bulksend-backend/internal/db"
	"github.com/jakande/bulksend-backend/internal/logging"
	"github.com/jakande/bulksend-backend/internal/model"
	"github.com/jakande/bulksend-backend/internal/repository"
	"github.com/jakande/bulksend-backend/internal/service"
)

func main() {
	recipients := flag.Int("recipients", 500, "number of recipients to seed")
	dailyCap := flag.Int("cap", 100, "daily send cap")
	name := flag.String("name", "seeded campaign", "campaign name")
	activate := flag.Bool("activate", true, "activate the campaign after seeding")
	flag.Parse()

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

	campaignRepo := &repository.CampaignRepository{DB: postgres}
	recipientRepo := &repository.RecipientRepository{DB: postgres}
	batchRepo := &repository.BatchRepository{DB: postgres}

	planner := &service.Planner{
		Recipients: recipientRepo,
		Batches:    batchRepo,
		Log:        log,
	}
	lifecycle := &service.LifecycleService{
		Campaigns:  campaignRepo,
		Recipients: recipientRepo,
		Planner:    planner,
		Log:        log,
	}

	campaign, err := lifecycle.Create(ctx, *name, "Hello {first_name}, your order of {product} has shipped!", *dailyCap, -1)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create campaign")
	}

	inputs := make([]service.RecipientInput, 0, *recipients)
	for i := 0; i < *recipients; i++ {
		inputs = append(inputs, service.RecipientInput{
			Address: fmt.Sprintf("+2547%08d", i),
			Params: map[string]string{
				"first_name": fmt.Sprintf("Customer%d", i),
				"product":    "Shoes",
			},
		})
	}
	result, err := lifecycle.AddRecipients(ctx, campaign.ID, inputs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to add recipients")
	}
	log.Info().Int("campaign_id", campaign.ID).Int("added", result.Added).Msg("audience seeded")

	if *activate {
		if _, err := lifecycle.Activate(ctx, campaign.ID, model.Today()); err != nil {
			log.Fatal().Err(err).Msg("failed to activate campaign")
		}
		log.Info().Int("campaign_id", campaign.ID).Msg("campaign activated")
	}
}
