package cmd

import (
	"context"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/puzzle/internal/export"
	"github.com/kiesman99/puzzle/internal/preview"
	"github.com/kiesman99/puzzle/internal/session"
	"github.com/kiesman99/puzzle/pkg/tile"
)

const version = "1.0.0"

var cfgFile string

// logger is built in initConfig once --verbose is known.
var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "puzzle [flags] IMAGE",
	Short: "Split an image into a grid of puzzle pieces",
	Long: `puzzle cuts an image into rows x cols equally sized pieces and writes
every piece as a PNG.

Pieces are numbered from 1 in row-major order. Piece sizes are truncated, so
up to cols-1 pixels on the right and rows-1 pixels at the bottom may be left
out. Rows and columns must each be between 1 and 20.

Examples:
  # Split into the default 3x3 grid in the current directory
  puzzle cat.jpg

  # 4 rows, 6 columns, into a directory with a manifest
  puzzle -r 4 -c 6 -o ~/pieces --manifest cat.jpg

  # Everything in one zip plus a contact sheet
  puzzle --zip pieces.zip --preview sheet.png cat.jpg

  # Only piece 5
  puzzle --piece 5 cat.jpg

  # Upload to an S3-compatible bucket
  puzzle --s3-endpoint http://localhost:9000 --s3-bucket pieces --s3-access-key minio --s3-secret-key minio123 cat.jpg

  # Start HTTP server
  puzzle serve --port 8080`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no args, show help
		if len(args) == 0 {
			return cmd.Help()
		}
		return runSplit(cmd, args[0])
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.puzzle.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log debug output to stderr")
	rootCmd.PersistentFlags().Int("workers", 1, "tiles encoded in parallel")
	rootCmd.PersistentFlags().String("compression", "default", "PNG compression (default|none|speed|best)")
	rootCmd.PersistentFlags().Bool("auto-orient", true, "apply EXIF orientation when decoding")
	rootCmd.PersistentFlags().Bool("manifest", false, "write manifest.yaml next to the pieces")

	// Grid options
	// Read like the form fields they replace: non-numeric input becomes 1.
	rootCmd.Flags().StringP("rows", "r", strconv.Itoa(tile.DefaultRows), "number of rows (1-20)")
	rootCmd.Flags().StringP("cols", "c", strconv.Itoa(tile.DefaultCols), "number of columns (1-20)")

	// Output options
	rootCmd.Flags().StringP("output", "o", ".", "output directory")
	rootCmd.Flags().String("zip", "", "write all pieces into this zip archive instead of a directory")
	rootCmd.Flags().Int("piece", 0, "export only the piece with this index")
	rootCmd.Flags().Duration("delay", export.DefaultDelay, "pause between two pieces")
	rootCmd.Flags().String("preview", "", "write a contact sheet of all pieces to this file")

	// S3 options
	rootCmd.Flags().String("s3-endpoint", "", "S3-compatible endpoint URL")
	rootCmd.Flags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.Flags().String("s3-bucket", "", "upload pieces to this bucket")
	rootCmd.Flags().String("s3-prefix", "", "key prefix inside the bucket")
	rootCmd.Flags().String("s3-access-key", "", "S3 access key")
	rootCmd.Flags().String("s3-secret-key", "", "S3 secret key")

	// Bind flags to viper
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("workers", rootCmd.PersistentFlags().Lookup("workers"))
	viper.BindPFlag("compression", rootCmd.PersistentFlags().Lookup("compression"))
	viper.BindPFlag("auto-orient", rootCmd.PersistentFlags().Lookup("auto-orient"))
	viper.BindPFlag("manifest", rootCmd.PersistentFlags().Lookup("manifest"))
	viper.BindPFlag("rows", rootCmd.Flags().Lookup("rows"))
	viper.BindPFlag("cols", rootCmd.Flags().Lookup("cols"))
	viper.BindPFlag("output", rootCmd.Flags().Lookup("output"))
	viper.BindPFlag("zip", rootCmd.Flags().Lookup("zip"))
	viper.BindPFlag("piece", rootCmd.Flags().Lookup("piece"))
	viper.BindPFlag("delay", rootCmd.Flags().Lookup("delay"))
	viper.BindPFlag("preview", rootCmd.Flags().Lookup("preview"))
	viper.BindPFlag("s3.endpoint", rootCmd.Flags().Lookup("s3-endpoint"))
	viper.BindPFlag("s3.region", rootCmd.Flags().Lookup("s3-region"))
	viper.BindPFlag("s3.bucket", rootCmd.Flags().Lookup("s3-bucket"))
	viper.BindPFlag("s3.prefix", rootCmd.Flags().Lookup("s3-prefix"))
	viper.BindPFlag("s3.access-key", rootCmd.Flags().Lookup("s3-access-key"))
	viper.BindPFlag("s3.secret-key", rootCmd.Flags().Lookup("s3-secret-key"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		path, err := homedir.Expand(cfgFile)
		cobra.CheckErr(err)
		viper.SetConfigFile(path)
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".puzzle" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".puzzle")
	}

	// PUZZLE_ROWS, PUZZLE_S3_BUCKET, PUZZLE_SERVER_PORT, ...
	viper.SetEnvPrefix("puzzle")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	logger = newLogger(os.Stderr, viper.GetBool("verbose"))
	tile.SetLogger(logger)
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

var compressionLevels = map[string]png.CompressionLevel{
	"default": png.DefaultCompression,
	"none":    png.NoCompression,
	"speed":   png.BestSpeed,
	"best":    png.BestCompression,
}

func parseCompression(name string) (png.CompressionLevel, error) {
	level, ok := compressionLevels[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown compression %q (use default, none, speed or best)", name)
	}
	return level, nil
}

// newState builds a session from the load and split flags.
func newState() (*session.State, error) {
	level, err := parseCompression(viper.GetString("compression"))
	if err != nil {
		return nil, err
	}
	return session.New(
		session.WithLoadOptions(tile.AutoOrient(viper.GetBool("auto-orient"))),
		session.WithSplitOptions(
			tile.Workers(viper.GetInt("workers")),
			tile.Compression(level),
		),
	), nil
}

func runSplit(cmd *cobra.Command, imagePath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.ErrOrStderr()

	path, err := homedir.Expand(imagePath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	state, err := newState()
	if err != nil {
		return err
	}
	surface, err := state.Load(ctx, data, tile.DetectMIME(path, data))
	if err != nil {
		fmt.Fprintln(out, state.Status())
		return fmt.Errorf("load %s: %w", imagePath, err)
	}
	fmt.Fprintln(out, state.Status())

	grid := state.OnGridSpecChanged(
		tile.ParseGridValue(viper.GetString("rows")),
		tile.ParseGridValue(viper.GetString("cols")),
	)
	tiles, err := state.OnTileRequested(ctx)
	if err != nil {
		fmt.Fprintln(out, state.Status())
		return err
	}

	layout, err := tile.Plan(surface.Width, surface.Height, grid)
	if err != nil {
		return err
	}
	covered := layout.Covered()
	fmt.Fprintf(out, "Split into %s = %d pieces of %d×%dpx, covering %d×%d of %d×%dpx\n",
		grid, len(tiles), layout.PieceWidth, layout.PieceHeight,
		covered.Dx(), covered.Dy(), surface.Width, surface.Height)

	if previewPath := viper.GetString("preview"); previewPath != "" {
		if err := writePreview(previewPath, tiles); err != nil {
			return err
		}
		fmt.Fprintf(out, "Preview written to %s\n", previewPath)
	}

	sink, closeSink, err := openSink(ctx)
	if err != nil {
		return err
	}

	exporter := &export.Exporter{
		Sink:     sink,
		Delay:    viper.GetDuration("delay"),
		Manifest: viper.GetBool("manifest"),
		Source:   filepath.Base(path),
		Logger:   logger,
	}

	if index := viper.GetInt("piece"); index > 0 {
		t, err := state.Tile(index)
		if err != nil {
			closeSink()
			return err
		}
		name, err := exporter.Single(ctx, t)
		if err != nil {
			closeSink()
			return err
		}
		fmt.Fprintf(out, "Wrote %s\n", name)
		return closeSink()
	}

	state.OnBulkDownloadStarted()
	fmt.Fprintln(out, state.Status())

	err = exporter.Bulk(ctx, tiles, func(done, total int) {
		fmt.Fprintf(out, "\r  %d/%d", done, total)
	})
	fmt.Fprintln(out)
	if err != nil {
		closeSink()
		return err
	}
	if err := closeSink(); err != nil {
		return err
	}

	state.OnBulkDownloadFinished()
	fmt.Fprintln(out, state.Status())
	return nil
}

// openSink picks the export target from the flags: S3 when a bucket is set,
// then a zip archive, then the output directory.
func openSink(ctx context.Context) (export.Sink, func() error, error) {
	noop := func() error { return nil }

	if bucket := viper.GetString("s3.bucket"); bucket != "" {
		sink, err := export.NewS3Sink(ctx, export.S3Config{
			Endpoint:  viper.GetString("s3.endpoint"),
			Region:    viper.GetString("s3.region"),
			AccessKey: viper.GetString("s3.access-key"),
			SecretKey: viper.GetString("s3.secret-key"),
			Bucket:    bucket,
			Prefix:    viper.GetString("s3.prefix"),
		})
		if err != nil {
			return nil, nil, err
		}
		return sink, noop, nil
	}

	if zipPath := viper.GetString("zip"); zipPath != "" {
		path, err := homedir.Expand(zipPath)
		if err != nil {
			return nil, nil, err
		}
		f, err := os.Create(path)
		if err != nil {
			return nil, nil, fmt.Errorf("create archive: %w", err)
		}
		sink := export.NewZipSink(f)
		return sink, func() error {
			if err := sink.Close(); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		}, nil
	}

	sink, err := export.NewDirSink(viper.GetString("output"))
	if err != nil {
		return nil, nil, err
	}
	return sink, noop, nil
}

func writePreview(previewPath string, tiles []tile.Tile) error {
	img, err := preview.Sheet(tiles, preview.DefaultSheetOptions())
	if err != nil {
		return err
	}
	data, err := preview.EncodePNG(img)
	if err != nil {
		return err
	}
	path, err := homedir.Expand(previewPath)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
