package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inaiurai/localize/internal/config"
)

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "localize",
	Short: "Translation task orchestrator",
	Long: `localize drives translation tasks through per-language sub-tasks:
machine translation, LLM verification, optional human review and
re-verification, iterating until the confidence threshold is met or the
iteration budget runs out. Progress is carried by signed webhook events.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is normal outside local development.
		_ = godotenv.Load()
		return nil
	},
}

func main() {
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection string")
	rootCmd.PersistentFlags().Bool("memory", false, "use in-memory stores instead of PostgreSQL")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error")
	_ = v.BindPFlag("database.url", rootCmd.PersistentFlags().Lookup("database-url"))
	_ = v.BindPFlag("database.memory", rootCmd.PersistentFlags().Lookup("memory"))
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(tokenCmd())
}

// loadConfig resolves the configuration and installs the JSON logger.
func loadConfig(vp *viper.Viper) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(vp, cfgFile)
	if err != nil {
		return nil, nil, err
	}
	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}
