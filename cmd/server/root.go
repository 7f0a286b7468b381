package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/prasenjit/omock/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	cfgFile string
	envFile string
	rootCmd = &cobra.Command{
		Use:   "omock",
		Short: "omock - replicated in-memory mock API server",
		Long: `omock serves user-defined mock HTTP endpoints from memory.

Mocks are created over the admin API, rendered from templates with
weighted and conditional response variants, and replicated to peer
instances so that any replica can answer for any mock.`,
		SilenceUsage: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

// initConfig reads the dotenv file, the config file and OMOCK_* variables
func initConfig() {
	if envFile != "" {
		if err := godotenv.Load(envFile); err == nil {
			fmt.Fprintln(os.Stderr, "Loaded environment from:", envFile)
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			cwd = "."
		}
		viper.AddConfigPath(cwd)
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("OMOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	// Kubernetes exposes the pod address through the downward API
	_ = viper.BindEnv("sync.selfAddress", "OMOCK_SYNC_SELFADDRESS", "POD_IP")

	setDefaults(config.Default())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// setDefaults registers every key so that environment overrides apply to it
func setDefaults(d *config.Config) {
	viper.SetDefault("server.port", d.Server.Port)
	viper.SetDefault("server.host", d.Server.Host)
	viper.SetDefault("server.readTimeout", d.Server.ReadTimeout)
	viper.SetDefault("server.writeTimeout", d.Server.WriteTimeout)
	viper.SetDefault("server.idleTimeout", d.Server.IdleTimeout)
	viper.SetDefault("server.shutdownTimeout", d.Server.ShutdownTimeout)

	viper.SetDefault("sync.sharedSecret", d.Sync.SharedSecret)
	viper.SetDefault("sync.secretHeader", d.Sync.SecretHeader)
	viper.SetDefault("sync.peers", d.Sync.Peers)
	viper.SetDefault("sync.dnsName", d.Sync.DNSName)
	viper.SetDefault("sync.peerPort", d.Sync.PeerPort)
	viper.SetDefault("sync.selfAddress", d.Sync.SelfAddress)
	viper.SetDefault("sync.directoryCacheTTL", d.Sync.DirectoryCacheTTL)
	viper.SetDefault("sync.initialDelay", d.Sync.InitialDelay)
	viper.SetDefault("sync.interval", d.Sync.Interval)
	viper.SetDefault("sync.maxAttempts", d.Sync.MaxAttempts)
	viper.SetDefault("sync.initialBackoff", d.Sync.InitialBackoff)
	viper.SetDefault("sync.maxBackoff", d.Sync.MaxBackoff)
	viper.SetDefault("sync.requestTimeout", d.Sync.RequestTimeout)
	viper.SetDefault("sync.pushTimeout", d.Sync.PushTimeout)
	viper.SetDefault("sync.concurrency", d.Sync.Concurrency)
	viper.SetDefault("sync.readyWithoutPeers", d.Sync.ReadyWithoutPeers)

	viper.SetDefault("conditions.evaluator", d.Conditions.Evaluator)

	viper.SetDefault("tracing.enabled", d.Tracing.Enabled)
	viper.SetDefault("tracing.maxTraces", d.Tracing.MaxTraces)

	viper.SetDefault("logging.level", d.Logging.Level)
	viper.SetDefault("logging.format", d.Logging.Format)

	viper.SetDefault("metrics.enabled", d.Metrics.Enabled)
}

// loadConfig decodes the merged viper settings and validates them
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the omock version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "omock", version)
	},
}
