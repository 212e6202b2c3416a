package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"dealerpay/internal/app"
	internalRedis "dealerpay/internal/redis"
	"dealerpay/internal/repository/postgres"
	"dealerpay/internal/service"
)

func sweepCmd() *cobra.Command {
	var skipPoll, skipExpire, skipActivation bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Resolve stuck payments once",
		Long: `Ask providers for the outcome of payments still waiting on a callback,
then fail payments older than the sweep max age, then re-emit listing
activations whose publish never completed.

Runs under the same Redis lock as the scheduled jobs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			connectCtx, cancel := context.WithTimeout(ctx, cfg.Sweep.LockTTL)
			defer cancel()

			db, err := app.NewDatabase(connectCtx, cfg.Database, nil)
			if err != nil {
				return err
			}
			defer db.Close()

			redisClient, err := app.NewRedisClient(connectCtx, cfg.Redis, nil)
			if err != nil {
				return err
			}
			defer redisClient.Close()

			providers, err := app.NewProviders(cfg, redisClient, logger)
			if err != nil {
				return err
			}
			activator, closeActivator := app.NewActivator(cfg.Kafka, logger)
			defer func() { _ = closeActivator() }()

			paymentRepo := postgres.NewPaymentRepository(db)
			reconciler := service.NewReconciliationService(paymentRepo, activator, logger)
			sweeper := service.NewSweeper(paymentRepo, reconciler, providers.Queriers, internalRedis.NewLockStore(redisClient), service.SweepConfig{
				MaxAge:               cfg.Sweep.MaxAge,
				PollAfter:            cfg.Sweep.PollAfter,
				ActivationRetryAfter: cfg.Sweep.ActivationRetryAfter,
				BatchSize:            cfg.Sweep.BatchSize,
				LockTTL:              cfg.Sweep.LockTTL,
			}, logger)

			out := cmd.OutOrStdout()
			if !skipPoll {
				n, err := sweeper.Poll(ctx)
				if err != nil {
					return fmt.Errorf("poll: %w", err)
				}
				fmt.Fprintf(out, "resolved %d payments from provider status\n", n)
			}
			if !skipExpire {
				n, err := sweeper.Sweep(ctx)
				if err != nil {
					return fmt.Errorf("sweep: %w", err)
				}
				fmt.Fprintf(out, "expired %d payments\n", n)
			}
			if !skipActivation {
				n, err := sweeper.RetryActivations(ctx)
				if err != nil {
					return fmt.Errorf("retry activations: %w", err)
				}
				fmt.Fprintf(out, "re-emitted %d listing activations\n", n)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipPoll, "skip-poll", false, "do not query providers")
	cmd.Flags().BoolVar(&skipExpire, "skip-expire", false, "do not fail old payments")
	cmd.Flags().BoolVar(&skipActivation, "skip-activation", false, "do not re-emit pending listing activations")
	return cmd
}
