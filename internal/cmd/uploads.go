package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/nimbusgate/internal/janitor"
	"github.com/3leaps/nimbusgate/internal/observability"
	"github.com/3leaps/nimbusgate/pkg/gateway"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

var (
	uploadsJSON   bool
	uploadsMaxAge time.Duration
)

var uploadsCmd = &cobra.Command{
	Use:   "uploads",
	Short: "Inspect and abort open multipart uploads",
}

var uploadsLsCmd = &cobra.Command{
	Use:   "ls [prefix]",
	Short: "List open multipart uploads",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runUploadsLs,
}

var uploadsAbortCmd = &cobra.Command{
	Use:   "abort <key> <upload-id>",
	Short: "Abort one multipart upload",
	Args:  cobra.ExactArgs(2),
	RunE:  runUploadsAbort,
}

var uploadsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Abort every open upload older than --max-age",
	Long: `Run the stale upload janitor once. The server runs the same sweep on a
schedule when janitor.enabled is set.`,
	Args: cobra.NoArgs,
	RunE: runUploadsSweep,
}

func init() {
	rootCmd.AddCommand(uploadsCmd)
	uploadsCmd.AddCommand(uploadsLsCmd, uploadsAbortCmd, uploadsSweepCmd)

	uploadsLsCmd.Flags().BoolVar(&uploadsJSON, "json", false, "Output as JSON lines")
	uploadsSweepCmd.Flags().DurationVar(&uploadsMaxAge, "max-age", 0, "abort uploads older than this (default janitor.max_age)")
}

func multipartOf(p provider.Provider) (provider.MultipartUploader, error) {
	mp, ok := p.(provider.MultipartUploader)
	if !ok {
		return nil, exitError(ExitInvalidArgument, "Provider does not support multipart uploads", errors.New("not supported"))
	}
	return mp, nil
}

func runUploadsLs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	prefix := ""
	if len(args) == 1 {
		prefix = args[0]
	}
	return withProvider(ctx, func(p provider.Provider) error {
		mp, err := multipartOf(p)
		if err != nil {
			return err
		}
		uploads, err := mp.ListMultipartUploads(ctx, prefix)
		if err != nil {
			return providerExit("Failed to list uploads", err)
		}
		sort.Slice(uploads, func(i, j int) bool { return uploads[i].Initiated.Before(uploads[j].Initiated) })

		out := cmd.OutOrStdout()
		if uploadsJSON {
			enc := json.NewEncoder(out)
			for _, u := range uploads {
				if err := enc.Encode(map[string]any{"key": u.Key, "upload_id": u.UploadID, "initiated": u.Initiated}); err != nil {
					return err
				}
			}
			return nil
		}
		if len(uploads) == 0 {
			_, err := fmt.Fprintln(out, "No open uploads.")
			return err
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "KEY\tUPLOAD ID\tINITIATED")
		for _, u := range uploads {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", u.Key, u.UploadID, u.Initiated.Format(time.RFC3339))
		}
		return w.Flush()
	})
}

func runUploadsAbort(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	key, err := gateway.CleanKey(args[0])
	if err != nil {
		return providerExit("Invalid key", err)
	}
	uploadID := args[1]
	return withProvider(ctx, func(p provider.Provider) error {
		mp, err := multipartOf(p)
		if err != nil {
			return err
		}
		if err := mp.AbortMultipartUpload(ctx, key, uploadID); err != nil {
			return providerExit("Abort failed", err)
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Aborted upload %s for %s\n", uploadID, key)
		return err
	})
}

func runUploadsSweep(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}
	maxAge := uploadsMaxAge
	if maxAge <= 0 {
		maxAge = cfg.Janitor.MaxAge
	}

	return withProvider(ctx, func(p provider.Provider) error {
		j := janitor.New(func(context.Context) (provider.Provider, func(), error) { return p, nil, nil }, maxAge,
			janitor.WithLogger(observability.CLILogger))
		report, err := j.Sweep(ctx)
		if err != nil {
			return providerExit("Sweep failed", err)
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Open: %d, stale: %d, aborted: %d, failed: %d\n",
			report.Open, report.Stale, report.Aborted, report.Failed)
		return err
	})
}
