package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/internal/observability"
	"github.com/3leaps/nimbusgate/pkg/chunked"
	"github.com/3leaps/nimbusgate/pkg/gateway"
	"github.com/3leaps/nimbusgate/pkg/match"
	"github.com/3leaps/nimbusgate/pkg/provider"
	"github.com/3leaps/nimbusgate/pkg/stream"
)

var (
	lsIncludes []string
	lsExcludes []string
	lsHidden   bool
	lsMinSize  string
	lsMaxSize  string
	lsJSON     bool

	putFolder string

	shareExpires time.Duration
)

var lsCmd = &cobra.Command{
	Use:   "ls [prefix]",
	Short: "List files and folders",
	Long: `List files under a prefix plus the folders directly beneath it.

Examples:
  nimbusgate ls
  nimbusgate ls photos/2024/
  nimbusgate ls --include '**/*.jpg' --min-size 1MB
  nimbusgate ls docs/ --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLs,
}

var putCmd = &cobra.Command{
	Use:   "put <file> [key]",
	Short: "Upload a local file",
	Long: `Upload a local file. Files at or above upload.threshold are sent as a
multipart upload in upload.chunk_size parts, exactly as the HTTP chunk
protocol does.

Examples:
  nimbusgate put report.pdf
  nimbusgate put report.pdf docs/2024/report.pdf
  nimbusgate put video.mp4 --folder media`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPut,
}

var getCmd = &cobra.Command{
	Use:   "get <key> [dest]",
	Short: "Download an object",
	Long: `Download an object in ranged slices. dest defaults to the object's base
name in the current directory; "-" writes to stdout.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runGet,
}

var rmCmd = &cobra.Command{
	Use:   "rm <key>",
	Short: "Delete an object",
	Args:  cobra.ExactArgs(1),
	RunE:  runRm,
}

var shareCmd = &cobra.Command{
	Use:   "share <key>",
	Short: "Print a time-limited download URL",
	Args:  cobra.ExactArgs(1),
	RunE:  runShare,
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <folder>",
	Short: "Create an empty folder",
	Args:  cobra.ExactArgs(1),
	RunE:  runMkdir,
}

var rmdirCmd = &cobra.Command{
	Use:   "rmdir <folder>",
	Short: "Delete a folder and everything in it",
	Args:  cobra.ExactArgs(1),
	RunE:  runRmdir,
}

func init() {
	rootCmd.AddCommand(lsCmd, putCmd, getCmd, rmCmd, shareCmd, mkdirCmd, rmdirCmd)

	lsCmd.Flags().StringArrayVar(&lsIncludes, "include", nil, "glob to include (repeatable)")
	lsCmd.Flags().StringArrayVar(&lsExcludes, "exclude", nil, "glob to exclude (repeatable)")
	lsCmd.Flags().BoolVar(&lsHidden, "hidden", true, "include dot files (--hidden=false skips them)")
	lsCmd.Flags().StringVar(&lsMinSize, "min-size", "", "minimum file size, e.g. 10MB")
	lsCmd.Flags().StringVar(&lsMaxSize, "max-size", "", "maximum file size, e.g. 2GiB")
	lsCmd.Flags().BoolVar(&lsJSON, "json", false, "Output as JSON lines")

	putCmd.Flags().StringVar(&putFolder, "folder", "", "destination folder")

	shareCmd.Flags().DurationVar(&shareExpires, "expires", 0, "link lifetime (default share.default_expiry)")
}

// withProvider opens the stored provider for the duration of fn.
func withProvider(ctx context.Context, fn func(provider.Provider) error) error {
	p, err := openProvider(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()
	return fn(p)
}

func runLs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	opts := gateway.ListOptions{
		Includes:      lsIncludes,
		Excludes:      lsExcludes,
		ExcludeHidden: !lsHidden,
		NoPreview:     true,
		Logger:        observability.CLILogger,
	}
	if len(args) == 1 {
		opts.Prefix = args[0]
	}
	var err error
	if lsMinSize != "" {
		if opts.MinSize, err = match.ParseSize(lsMinSize); err != nil {
			return exitError(ExitInvalidArgument, "Invalid --min-size", err)
		}
	}
	if lsMaxSize != "" {
		if opts.MaxSize, err = match.ParseSize(lsMaxSize); err != nil {
			return exitError(ExitInvalidArgument, "Invalid --max-size", err)
		}
	}

	return withProvider(ctx, func(p provider.Provider) error {
		entries, err := gateway.List(ctx, p, opts)
		if err != nil {
			return providerExit("Failed to list files", err)
		}
		if lsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return fmt.Errorf("failed to encode entry: %w", err)
				}
			}
			return nil
		}
		return writeEntries(cmd.OutOrStdout(), entries)
	})
}

func writeEntries(out io.Writer, entries []gateway.Entry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(out, "No files found.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSIZE\tTYPE\tMODIFIED")
	for _, e := range entries {
		size, modified := "-", "-"
		if e.Type == gateway.TypeFile {
			size = match.FormatSize(e.Size)
		}
		if e.LastModified != nil {
			modified = e.LastModified.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Name, size, e.Type, modified)
	}
	return w.Flush()
}

func runPut(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}

	src := args[0]
	f, err := os.Open(src)
	if err != nil {
		return exitError(ExitInvalidArgument, "Cannot open file", err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return exitError(ExitInvalidArgument, "Cannot stat file", err)
	}
	if info.IsDir() {
		return exitError(ExitInvalidArgument, "Cannot upload a directory", errors.New(src))
	}

	name := filepath.Base(src)
	if len(args) == 2 {
		name = args[1]
	}
	key, err := gateway.JoinKey(putFolder, name)
	if err != nil {
		return providerExit("Invalid key", err)
	}

	coord := chunked.New(
		chunked.WithThreshold(cfg.Upload.Threshold.Int64()),
		chunked.WithLogger(observability.CLILogger),
	)
	return withProvider(ctx, func(p provider.Provider) error {
		res, err := uploadFile(ctx, coord, p, f, key, info.Size(), cfg.Upload.ChunkSize.Int64())
		if err != nil {
			if res.UploadID != "" {
				observability.CLILogger.Warn("Upload left open; abort it with 'nimbusgate uploads abort'",
					zap.String("key", key), zap.String("upload_id", res.UploadID))
			}
			return providerExit("Upload failed", err)
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s (%s, %s)\n", key, match.FormatSize(info.Size()), res.Mode)
		return err
	})
}

// uploadFile drives the chunk protocol over a seekable file.
func uploadFile(ctx context.Context, coord *chunked.Coordinator, p provider.Provider, r io.ReaderAt, key string, size, chunkSize int64) (chunked.Result, error) {
	if chunkSize <= 0 {
		chunkSize = chunked.DefaultChunkSize
	}
	total := 1
	if size >= coord.Threshold() {
		total = int((size + chunkSize - 1) / chunkSize)
	}

	var last chunked.Result
	for i := range total {
		off := int64(i) * chunkSize
		n := min(chunkSize, size-off)
		if total == 1 {
			n = size
		}
		res, err := coord.HandleChunk(ctx, p, chunked.Request{
			Key:         key,
			FileSize:    size,
			ChunkNumber: i,
			TotalChunks: total,
			UploadID:    last.UploadID,
			Body:        io.NewSectionReader(r, off, n),
			Size:        n,
		})
		observability.RecordChunk(string(res.Mode), err)
		if err != nil {
			if res.UploadID == "" {
				res.UploadID = last.UploadID
			}
			return res, err
		}
		observability.CLILogger.Debug("Chunk sent",
			zap.String("key", key), zap.Int("chunk", i+1), zap.Int("total", total))
		last = res
	}
	return last, nil
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}
	key, err := gateway.CleanKey(args[0])
	if err != nil {
		return providerExit("Invalid key", err)
	}

	s := stream.New(stream.WithSliceSize(cfg.Download.SliceSize.Int64()), stream.WithLogger(observability.CLILogger))
	return withProvider(ctx, func(p provider.Provider) error {
		d, err := s.Open(ctx, p, key)
		if err != nil {
			return providerExit("Download failed", err)
		}

		dest := d.Filename
		if len(args) == 2 {
			dest = args[1]
		}
		if dest == "-" {
			if _, err := s.WriteTo(ctx, cmd.OutOrStdout(), p, d); err != nil {
				return providerExit("Download failed", err)
			}
			return nil
		}

		f, err := os.Create(dest)
		if err != nil {
			return exitError(ExitInvalidArgument, "Cannot create destination", err)
		}
		n, err := s.WriteTo(ctx, f, p, d)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dest)
			return providerExit("Download failed", err)
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %s to %s (%s)\n", key, dest, match.FormatSize(n))
		return err
	})
}

func runRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	key, err := gateway.CleanKey(args[0])
	if err != nil {
		return providerExit("Invalid key", err)
	}
	return withProvider(ctx, func(p provider.Provider) error {
		if err := p.DeleteFile(ctx, key); err != nil {
			return providerExit("Delete failed", err)
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", key)
		return err
	})
}

func runShare(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}
	key, err := gateway.CleanKey(args[0])
	if err != nil {
		return providerExit("Invalid key", err)
	}

	expires := shareExpires
	if expires < 0 {
		return exitError(ExitInvalidArgument, "Invalid --expires value", provider.CheckShareExpiry(expires))
	}
	if expires == 0 {
		expires = cfg.Share.DefaultExpiry
	}
	if cfg.Share.MaxExpiry > 0 && expires > cfg.Share.MaxExpiry {
		expires = cfg.Share.MaxExpiry
	}

	return withProvider(ctx, func(p provider.Provider) error {
		u, err := p.ShareURL(ctx, key, expires)
		if err != nil {
			return providerExit("Share failed", err)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), u)
		return err
	})
}

func runMkdir(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withProvider(ctx, func(p provider.Provider) error {
		key, err := gateway.CreateFolder(ctx, p, args[0])
		if err != nil {
			return providerExit("Create folder failed", err)
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", key)
		return err
	})
}

func runRmdir(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withProvider(ctx, func(p provider.Provider) error {
		n, err := gateway.DeleteFolder(ctx, p, args[0])
		if err != nil {
			return providerExit("Delete folder failed", err)
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s (%d objects)\n", args[0], n)
		return err
	})
}
