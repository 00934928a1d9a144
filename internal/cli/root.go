// Package cli builds the posecapture command tree.
package cli

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"posecapture/internal/capture"
	"posecapture/internal/config"
	"posecapture/internal/detector"
	"posecapture/internal/logging"
)

type detectorFactory func(cfg *config.Config, log *slog.Logger) (detector.Detector, io.Closer, error)

type sourceFactory func(cfg *config.Config, log *slog.Logger) (capture.FrameSource, func(ctx context.Context) error, error)

// Root carries state shared by every command.
type Root struct {
	cfg        *config.Config
	configPath string
	log        *slog.Logger
	out        io.Writer
	in         io.Reader
	version    string

	newDetector detectorFactory
	newSource   sourceFactory
}

// NewRoot returns a Root with production collaborators. cfg and log are
// filled in by the root command when nil.
func NewRoot(version string) *Root {
	return &Root{
		out:         os.Stdout,
		in:          os.Stdin,
		version:     version,
		newDetector: openDetector,
		newSource:   openSource,
	}
}

// NewRootCmd creates the root Cobra command.
func NewRootCmd(version string) *cobra.Command {
	return newRootCmd(NewRoot(version))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "posecapture",
		Short: "Guided multi-view head pose photo capture",
		Long: `posecapture walks a subject through a sequence of head poses, validating
lighting, framing and head angle on every frame and capturing a photo for
each pose once it holds steady.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
			return root.init()
		},
	}
	rootCmd.PersistentFlags().StringVar(&root.configPath, "config", "", "config file (default $"+config.EnvConfigPath+" or ~/.config/posecapture/config.json)")

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newProfileCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newSessionsCmd(root))
	rootCmd.AddCommand(newTraceCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))
	return rootCmd
}

func (r *Root) init() error {
	if r.cfg == nil {
		var (
			cfg *config.Config
			err error
		)
		if r.configPath != "" {
			cfg, err = config.LoadFile(r.configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}
		r.cfg = cfg
	}
	if r.log == nil {
		logger, err := logging.Setup(r.cfg)
		if err != nil {
			return err
		}
		r.log = logger
	}
	if r.out == nil {
		r.out = os.Stdout
	}
	if r.in == nil {
		r.in = os.Stdin
	}
	return nil
}
