// Package cli implements the meltscan command-line interface. Commands are
// built with Cobra; configuration comes from an optional YAML file merged
// with MELTSCAN_* environment variables via Viper.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/meltsec/meltscan/internal/config"
	"github.com/meltsec/meltscan/internal/logging"
)

// Build information, overridden at link time via -ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "meltscan",
	Short: "MeltScan - Scanner de portas",
	Long: `MeltScan verifica a acessibilidade de portas TCP e UDP em hosts e
redes CIDR. Suporta sondas TCP connect, TCP SYN (half-open) e UDP,
descoberta de hosts, perfis de varredura e um modo servidor com API
e varreduras agendadas.`,
	Version: getVersion(),
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"arquivo de configuração (padrão: ./meltscan.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"saída detalhada (log em nível debug)")

	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(f.Name, f)
	})
}

// initConfig reads in the config file and environment variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.config/meltscan")
		}
		viper.SetConfigType("yaml")
		viper.SetConfigName("meltscan")
	}

	viper.SetEnvPrefix("MELTSCAN")
	viper.AutomaticEnv()

	setConfigDefaults()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Usando configuração:", viper.ConfigFileUsed())
	}

	initLogging()
}

// setConfigDefaults sets default values for configuration.
func setConfigDefaults() {
	// Scan defaults
	viper.SetDefault("scan.default_ports", "22,80,443,53,3389,139,445")
	viper.SetDefault("scan.tcp", true)
	viper.SetDefault("scan.tcp_mode", "connect")
	viper.SetDefault("scan.timeout", "2s")
	viper.SetDefault("scan.concurrency", 50)

	// API server defaults
	viper.SetDefault("api.host", "127.0.0.1")
	viper.SetDefault("api.port", 8080)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.output", "stderr")
}

// configPath returns the configuration file path the commands should load.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return "meltscan.yaml"
}

// loadConfig loads the effective configuration for a command. A missing
// file yields the built-in defaults; --verbose forces debug logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = logging.LevelDebug
	}
	return cfg, nil
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}

// initLogging initializes structured logging based on configuration.
func initLogging() {
	cfg, err := loadConfig()
	if err != nil {
		logging.SetDefault(logging.NewDefault())
		return
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)
}
