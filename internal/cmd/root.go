// Package cmd implements the nimbusgate command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/internal/config"
	"github.com/3leaps/nimbusgate/internal/observability"
	"github.com/3leaps/nimbusgate/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	cfgFile         string
	logLevel        string
	credentialsPath string

	appConfig *config.Config
)

// flagOverrides maps command line flags onto configuration keys. A flag only
// overrides the key when it was set explicitly.
var flagOverrides = map[string]string{
	"log-level":   "logging.level",
	"credentials": "credentials.path",
	"host":        "server.host",
	"port":        "server.port",
}

var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Unified object storage gateway",
	Long: `nimbusgate exposes one HTTP API for upload, download, listing, sharing and
folder management over S3-compatible stores (AWS, Wasabi, DigitalOcean Spaces,
Cloudflare R2, Hetzner), Backblaze B2, Google Cloud Storage and a local
directory.

Configuration is read from nimbusgate.yaml, NIMBUSGATE_* environment
variables and a .env file, in increasing order of precedence.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./nimbusgate.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&credentialsPath, "credentials", "", "provider credentials file")
}

// SetVersionInfo records build metadata from main.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return ExitCode(err)
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)

	cfg, err := config.Load(cmd.Context(), collectOverrides(cmd.Flags()))
	if err != nil {
		return exitError(ExitConfigInvalid, "Failed to load configuration", err)
	}
	if err := observability.Init(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(ExitConfigInvalid, "Failed to initialize logging", err)
	}
	appConfig = cfg

	observability.CLILogger.Debug("Configuration loaded",
		zap.String("command", cmd.CommandPath()),
		zap.String("credentials", cfg.Credentials.Path))
	return nil
}

func collectOverrides(flags *pflag.FlagSet) map[string]any {
	out := map[string]any{}
	for name, key := range flagOverrides {
		if f := flags.Lookup(name); f != nil && f.Changed {
			out[key] = f.Value.String()
		}
	}
	return out
}

// loadedConfig returns the configuration from the pre-run hook, loading
// defaults when a command runs outside the root (tests).
func loadedConfig(ctx context.Context) (*config.Config, error) {
	if appConfig != nil {
		return appConfig, nil
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, exitError(ExitConfigInvalid, "Failed to load configuration", err)
	}
	appConfig = cfg
	return cfg, nil
}
