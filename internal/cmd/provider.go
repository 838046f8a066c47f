package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/internal/credstore"
	"github.com/3leaps/nimbusgate/internal/observability"
	"github.com/3leaps/nimbusgate/pkg/provider"
	"github.com/3leaps/nimbusgate/pkg/provider/factory"
)

var (
	providerType   string
	providerFields []string
	providerSkip   bool
)

var providerCmd = &cobra.Command{
	Use:   "provider",
	Short: "Manage the storage provider configuration",
}

var providerCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Connect to the provider and list the bucket",
	Long: `Build the provider from the stored credentials, or from --type and --set
when given, and prove it works by listing the bucket.

Examples:
  nimbusgate provider check
  nimbusgate provider check --type wasabi --set access_key=AK --set secret_key=SK --set bucket=media`,
	Args: cobra.NoArgs,
	RunE: runProviderCheck,
}

var providerSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Check and store provider credentials",
	Long: `Validate credentials, check them against the provider and store them in the
credentials file used by serve.

Examples:
  nimbusgate provider set --type local --set base_dir=/srv/files
  nimbusgate provider set --type b2 --set application_key_id=K --set application_key=S --set bucket_name=photos`,
	Args: cobra.NoArgs,
	RunE: runProviderSet,
}

var providerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored configuration with secrets redacted",
	Args:  cobra.NoArgs,
	RunE:  runProviderShow,
}

var providerClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the stored configuration",
	Args:  cobra.NoArgs,
	RunE:  runProviderClear,
}

var providerTypesCmd = &cobra.Command{
	Use:   "types",
	Short: "List supported provider types and their required fields",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "TYPE\tREQUIRED FIELDS")
		for _, t := range provider.KnownTypes() {
			fields, _ := provider.RequiredFields(t)
			_, _ = fmt.Fprintf(w, "%s\t%s\n", t, strings.Join(fields, ", "))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(providerCmd)
	providerCmd.AddCommand(providerCheckCmd, providerSetCmd, providerShowCmd, providerClearCmd, providerTypesCmd)

	for _, c := range []*cobra.Command{providerCheckCmd, providerSetCmd} {
		c.Flags().StringVar(&providerType, "type", "", "provider type (see 'provider types')")
		c.Flags().StringArrayVar(&providerFields, "set", nil, "credential field as key=value (repeatable)")
	}
	providerSetCmd.Flags().BoolVar(&providerSkip, "skip-check", false, "store without connecting")
}

// openStore opens the credentials file named by the configuration.
func openStore(ctx context.Context) (*credstore.Store, error) {
	cfg, err := loadedConfig(ctx)
	if err != nil {
		return nil, err
	}
	store, err := credstore.New(cfg.Credentials.Path)
	if err != nil {
		return nil, exitError(ExitConfigInvalid, "Failed to load stored credentials", err)
	}
	return store, nil
}

// openProvider builds the stored provider. The caller closes it.
func openProvider(ctx context.Context) (provider.Provider, error) {
	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	pcfg, err := store.Get()
	if err != nil {
		if errors.Is(err, credstore.ErrNotConfigured) {
			return nil, exitError(ExitNotConfigured, "No provider configured; run 'nimbusgate provider set'", err)
		}
		return nil, providerExit("Failed to read provider configuration", err)
	}
	p, err := factory.Build(ctx, pcfg)
	if err != nil {
		return nil, providerExit("Failed to create provider", err)
	}
	observability.CLILogger.Debug("Provider ready",
		zap.String("provider", string(pcfg.Type)),
		zap.String("bucket", pcfg.Bucket()))
	return p, nil
}

// flagConfig assembles a provider.Config from --type and --set.
func flagConfig() (provider.Config, error) {
	creds := make(map[string]string, len(providerFields))
	for _, kv := range providerFields {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return provider.Config{}, exitError(ExitInvalidArgument, "Invalid --set value", fmt.Errorf("expected key=value, got %q", kv))
		}
		creds[k] = strings.TrimSpace(v)
	}
	cfg := provider.Config{Type: provider.ProviderType(strings.ToLower(strings.TrimSpace(providerType))), Credentials: creds}
	if err := cfg.Validate(); err != nil {
		return provider.Config{}, providerExit("Invalid provider configuration", err)
	}
	return cfg, nil
}

// checkConfig builds cfg and lists the bucket root.
func checkConfig(ctx context.Context, cfg provider.Config) (int, error) {
	p, err := factory.Build(ctx, cfg)
	if err != nil {
		return 0, providerExit("Failed to create provider", err)
	}
	defer func() { _ = p.Close() }()

	entries, err := p.ListFiles(ctx, "")
	if err != nil {
		return 0, providerExit("Provider connection test failed", err)
	}
	return len(entries), nil
}

func runProviderCheck(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	var cfg provider.Config
	if providerType != "" {
		c, err := flagConfig()
		if err != nil {
			return err
		}
		cfg = c
	} else {
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		c, err := store.Get()
		if err != nil {
			return exitError(ExitNotConfigured, "No provider configured", err)
		}
		cfg = c
	}

	n, err := checkConfig(ctx, cfg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "OK: %s bucket %q reachable (%d objects)\n", cfg.Type, cfg.Bucket(), n)
	return err
}

func runProviderSet(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if providerType == "" {
		return exitError(ExitInvalidArgument, "Missing --type", errors.New("provider type is required"))
	}
	cfg, err := flagConfig()
	if err != nil {
		return err
	}
	if !providerSkip {
		if _, err := checkConfig(ctx, cfg); err != nil {
			return err
		}
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	if store.Path() == "" {
		return exitError(ExitConfigInvalid, "No credentials file configured",
			errors.New("set credentials.path, NIMBUSGATE_CREDENTIALS_FILE or --credentials"))
	}
	if err := store.Set(cfg); err != nil {
		return exitError(ExitFailure, "Failed to store credentials", err)
	}
	observability.CLILogger.Info("Provider configured",
		zap.String("provider", string(cfg.Type)),
		zap.String("bucket", cfg.Bucket()),
		zap.String("path", store.Path()))
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Stored %s configuration in %s\n", cfg.Type, store.Path())
	return err
}

func runProviderShow(cmd *cobra.Command, _ []string) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	cfg, err := store.Get()
	if err != nil {
		return exitError(ExitNotConfigured, "No provider configured", err)
	}

	redacted := cfg.Redacted()
	keys := make([]string, 0, len(redacted))
	for k := range redacted {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "provider_type\t%s\n", cfg.Type)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", k, redacted[k])
	}
	return w.Flush()
}

func runProviderClear(cmd *cobra.Command, _ []string) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	if err := store.Clear(); err != nil {
		return exitError(ExitFailure, "Failed to clear credentials", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), "Provider configuration cleared")
	return err
}
