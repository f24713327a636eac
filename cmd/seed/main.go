// Package main seeds a Foreman database with demo orders.
//
// Migrations run first, then a handful of demo.echo proposals are
// created. Seeding is idempotent: each proposal carries a fixed
// provenance idempotency key, so a re-run skips existing orders.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"wo-foreman.io/foreman/internal/allocator"
	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/domain"
	"wo-foreman.io/foreman/internal/infrastructure"
	"wo-foreman.io/foreman/internal/ordertype/demo"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/pkg/logger"
	"wo-foreman.io/foreman/internal/registry"
	"wo-foreman.io/foreman/internal/repository"
	"wo-foreman.io/foreman/internal/repository/postgres"
	"wo-foreman.io/foreman/internal/statemachine"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	if err := db.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	store := postgres.New(db.Pool)
	reg := registry.New()
	reg.Register(demo.New())
	machine := statemachine.NewDefault(nil)
	alloc := allocator.NewService(reg, machine, cfg.Retry)

	logger.Info("Seeding demo orders...")

	seeds := []allocator.ProposeRequest{
		{
			Type:     "demo.echo",
			Priority: 5,
			Payload:  json.RawMessage(`{"message":"hello from seed"}`),
			Meta:     json.RawMessage(`{"tenant":"demo"}`),
			Actor:    domain.Actor{Type: domain.ActorUser, ID: "seed"},
			Provenance: &allocator.ProvenanceInput{
				AgentName:      "seed",
				IdempotencyKey: "seed-echo-1",
			},
		},
		{
			Type:     "demo.echo",
			Priority: 9,
			Payload:  json.RawMessage(`{"message":"urgent echo","copies":2}`),
			Meta:     json.RawMessage(`{"tenant":"demo"}`),
			Actor:    domain.Actor{Type: domain.ActorUser, ID: "seed"},
			Provenance: &allocator.ProvenanceInput{
				AgentName:      "seed",
				IdempotencyKey: "seed-echo-2",
			},
		},
	}

	created := 0
	for _, req := range seeds {
		err := store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
			_, err := alloc.Propose(ctx, tx, req)
			return err
		})
		switch {
		case err == nil:
			created++
		case errors.Is(err, apperrors.ErrAlreadyExists):
			logger.Info("Seed order already exists",
				zap.String("idempotency_key", req.Provenance.IdempotencyKey),
			)
		default:
			return fmt.Errorf("propose seed order: %w", err)
		}
	}

	logger.Info("Data seeding completed", zap.Int("orders_created", created))
	return nil
}
