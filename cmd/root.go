package cmd

import (
	"os"

	"havoc/internal/config"
	"havoc/internal/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	envFile    string
	debug      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "havoc",
	Short: "HAProxy cloud configuration",
	Long: `HAvOC discovers backend instances in AWS EC2 and OpenStack Nova, renders
an HAProxy configuration from a template and reloads HAProxy when the
rendered configuration changes.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logging.SetDebug(true)
		}
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				logging.Logger().Fatal("Failed to load env file", zap.String("path", envFile), zap.Error(err))
			}
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default $CONFIG_PATH or "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from a .env file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

// loadConfig loads the configuration file and environment overlay
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
	}
	return cfg
}
