package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/arachnova/eventscout/internal/config"
	"github.com/arachnova/eventscout/internal/database"
	"github.com/arachnova/eventscout/internal/ledger"
	"github.com/arachnova/eventscout/internal/logging"
)

func newLedgerCommand() *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Export and import hand-edited session ledgers",
	}

	var outputPath string
	exportCmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Write the merged session view as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(func(service *ledger.Service) error {
				destination := cmd.OutOrStdout()
				if outputPath != "" && outputPath != "-" {
					file, err := os.Create(outputPath)
					if err != nil {
						return err
					}
					defer file.Close()
					destination = file
				}
				return service.ExportCSV(cmd.Context(), args[0], destination)
			})
		},
	}
	exportCmd.Flags().StringVarP(&outputPath, "output", "o", "-", "Destination file (- for stdout)")

	var inputPath string
	importCmd := &cobra.Command{
		Use:   "import <session-id>",
		Short: "Store an edited CSV as the session's latest ledger snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(func(service *ledger.Service) error {
				var source io.Reader = cmd.InOrStdin()
				if inputPath != "" && inputPath != "-" {
					file, err := os.Open(inputPath)
					if err != nil {
						return err
					}
					defer file.Close()
					source = file
				}
				ref, err := service.ImportCSV(cmd.Context(), args[0], source)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "snapshot %s: %d rows\n", ref.SnapshotID, ref.Rows)
				return nil
			})
		},
	}
	importCmd.Flags().StringVarP(&inputPath, "input", "i", "-", "Source file (- for stdin)")

	ledgerCmd.AddCommand(exportCmd, importCmd)
	return ledgerCmd
}

func withLedger(run func(*ledger.Service) error) error {
	appConfig, err := config.LoadStorage(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	service, err := ledger.NewService(ledger.ServiceConfig{Database: db, Logger: logger.Named("ledger")})
	if err != nil {
		return err
	}
	if err := run(service); err != nil {
		logger.Error("ledger command failed", zap.Error(err))
		return err
	}
	return nil
}
