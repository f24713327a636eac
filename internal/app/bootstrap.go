// Package app is the composition root. Bootstrap stays orchestration
// only: it wires configuration, storage, services, jobs, and the HTTP
// surface, and owns nothing domain-specific itself.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"wo-foreman.io/foreman/internal/allocator"
	"wo-foreman.io/foreman/internal/api/handlers"
	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/domain"
	"wo-foreman.io/foreman/internal/executor"
	"wo-foreman.io/foreman/internal/idempotency"
	"wo-foreman.io/foreman/internal/infrastructure"
	"wo-foreman.io/foreman/internal/jobs"
	"wo-foreman.io/foreman/internal/lease"
	"wo-foreman.io/foreman/internal/maintenance"
	"wo-foreman.io/foreman/internal/ordertype/demo"
	"wo-foreman.io/foreman/internal/pkg/logger"
	"wo-foreman.io/foreman/internal/pkg/metrics"
	"wo-foreman.io/foreman/internal/pkg/worker"
	"wo-foreman.io/foreman/internal/registry"
	"wo-foreman.io/foreman/internal/repository"
	"wo-foreman.io/foreman/internal/repository/memory"
	"wo-foreman.io/foreman/internal/repository/postgres"
	"wo-foreman.io/foreman/internal/statemachine"
)

// Application holds composed application dependencies.
type Application struct {
	Config   *config.Config
	Router   *gin.Engine
	DB       *infrastructure.DatabaseClients
	Redis    *redis.Client
	Pools    *worker.Pools
	Registry *registry.Registry

	// PromRegistry backs the /metrics endpoint.
	PromRegistry *prometheus.Registry

	maintenance *maintenance.Runner
}

// Bootstrap initializes all dependencies using manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	engine := metrics.NewEngine(promRegistry)

	orderTable, err := cfg.StateMachine.LoadOrderTransitions()
	if err != nil {
		return nil, fmt.Errorf("load order transitions: %w", err)
	}
	itemTable, err := cfg.StateMachine.LoadItemTransitions()
	if err != nil {
		return nil, fmt.Errorf("load item transitions: %w", err)
	}
	machine := statemachine.New(orderTable, itemTable, engine)

	app := &Application{
		Config:       cfg,
		PromRegistry: promRegistry,
	}

	var store repository.Store
	switch cfg.Database.Driver {
	case "postgres":
		db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		app.DB = db
		if cfg.Database.AutoMigrate {
			if err := db.AutoMigrate(ctx); err != nil {
				app.Shutdown()
				return nil, fmt.Errorf("auto-migrate: %w", err)
			}
		}
		store = postgres.New(db.Pool)
	case "memory":
		logger.Warn("Using in-memory store; state is lost on restart")
		store = memory.New()
	}

	var backend lease.Backend
	switch cfg.Lease.Backend {
	case "redis":
		client, err := infrastructure.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			app.Shutdown()
			return nil, fmt.Errorf("init redis: %w", err)
		}
		app.Redis = client
		backend = lease.NewRedisBackend(client)
	default:
		backend = lease.NewStoreBackend()
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize:  cfg.Worker.GeneralPoolSize,
		DispatchPoolSize: cfg.Worker.DispatchPoolSize,
	})
	if err != nil {
		app.Shutdown()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}
	app.Pools = pools

	reg := registry.New()
	reg.Register(demo.New())
	app.Registry = reg

	leases := lease.NewService(store, backend, machine, cfg.Lease, cfg.Retry, engine)
	alloc := allocator.NewService(reg, machine, cfg.Retry)
	exec := executor.NewService(reg, machine, cfg.Partials, engine)
	guard := idempotency.NewGuard(store, cfg.Idempotency, engine)
	runner := maintenance.NewRunner(store, leases, machine, cfg.Maintenance)
	app.maintenance = runner

	dispatcher := domain.NewEventDispatcher()
	dispatcher.RegisterAll(eventLogMirror(pools))

	if app.DB != nil {
		workers := river.NewWorkers()
		river.AddWorker(workers, jobs.NewMaintenanceSweepWorker(runner))
		if err := app.DB.InitRiverClient(workers, cfg.River); err != nil {
			app.Shutdown()
			return nil, fmt.Errorf("init river workers: %w", err)
		}
		app.DB.RiverClient.PeriodicJobs().Add(
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.River.SweepInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return jobs.MaintenanceSweepArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		)
	}

	var ready func(ctx context.Context) error
	if app.DB != nil {
		ready = app.DB.Pool.Ping
	}
	server := handlers.NewServer(handlers.ServerDeps{
		Store:      store,
		Allocator:  alloc,
		Executor:   exec,
		Leases:     leases,
		Guard:      guard,
		Dispatcher: dispatcher,
		Ready:      ready,
	})

	app.Router = newRouter(server, promRegistry)
	return app, nil
}

// eventLogMirror mirrors every dispatched audit event into the service
// log off the request path.
func eventLogMirror(pools *worker.Pools) domain.EventConsumer {
	return func(ctx context.Context, event *domain.Event) error {
		return pools.SubmitDetached("general", func(ctx context.Context) {
			logger.Info("Engine event",
				zap.String("event", string(event.Event)),
				zap.String("order_id", event.OrderID),
				zap.String("item_id", event.ItemID),
				zap.String("actor", string(event.ActorType)+":"+event.ActorID),
			)
		})
	}
}

// Start launches the job queue (postgres) or the in-process sweep loop
// (memory store, no River tables to lean on).
func (a *Application) Start(ctx context.Context) error {
	if a.DB != nil && a.DB.RiverClient != nil {
		if err := a.DB.RiverClient.Start(ctx); err != nil {
			return fmt.Errorf("start river: %w", err)
		}
		logger.Info("River job queue started")
		return nil
	}

	interval := a.Config.River.SweepInterval
	return a.Pools.SubmitDetached("dispatch", func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if _, err := a.maintenance.Sweep(ctx); err != nil {
				logger.Error("Maintenance sweep failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}

// Shutdown releases all resources in reverse construction order.
func (a *Application) Shutdown() {
	if a.DB != nil && a.DB.RiverClient != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.DB.RiverClient.Stop(stopCtx); err != nil {
			logger.Warn("River stop timed out", zap.Error(err))
		}
		cancel()
	}
	if a.Pools != nil {
		a.Pools.Shutdown()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
