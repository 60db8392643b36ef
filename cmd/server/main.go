package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gasless/relayer/internal/blockchain/evm"
	"gasless/relayer/internal/config"
	"gasless/relayer/internal/database"
)

func main() {
	// Initialize logger
	logger, err := initLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	root := &cobra.Command{
		Use:           "relayer",
		Short:         "Gas-sponsorship relay for EIP-712 forward requests",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(logger), migrateCmd(logger), addressCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		logger.Error("Command failed", zap.Error(err))
		os.Exit(1)
	}
}

func migrateCmd(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the relay record schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			db, err := connectDatabase(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := database.RunMigrations(ctx, db, cfg.Database.MigrationPath); err != nil {
				return err
			}

			logger.Info("Database migrations applied successfully",
				zap.String("path", cfg.Database.MigrationPath))
			return nil
		},
	}
}

func addressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print the relayer address derived from the configured key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}

			operator, err := evm.NewOperator(cfg.Operator.RelayerPrivateKey)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), operator.Address().Hex())
			return nil
		},
	}
}

func connectDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	return database.Connect(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
}

func initLogger() (*zap.Logger, error) {
	env := os.Getenv("ENV")
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
