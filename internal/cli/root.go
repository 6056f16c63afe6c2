// Package cli implements the gabridge command line.
package cli

import (
	"context"

	"github.com/handbuilt/gabridge"
	"github.com/handbuilt/gabridge/logging"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
)

type globalFlags struct {
	config  []string
	envFile string
	verbose bool
	json    bool
}

// NewRootCmd returns the gabridge command tree.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "gabridge",
		Short: "Connect a site to Google Analytics",
		Long: `gabridge manages the OAuth connection to Google Analytics and serves
cached report data.

Configuration is read from gabridge.yaml, GAB__ environment variables and
any files passed with --config.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flags.envFile != "" {
				// A missing .env file is not an error.
				_ = godotenv.Load(flags.envFile)
			}
			logger := logging.NewProdLogger(zapcore.InfoLevel)
			if flags.verbose {
				logger = logging.NewDevLogger()
			}
			cmd.SetContext(logging.With(cmd.Context(), logger))
			return nil
		},
	}
	root.PersistentFlags().StringSliceVar(&flags.config, "config", nil, "Additional configuration files")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Environment file loaded before configuration")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&flags.json, "json", false, "Output in JSON format")

	root.AddCommand(
		newServeCmd(flags),
		newMetricsCmd(flags),
		newStatusCmd(flags),
		newDisconnectCmd(flags),
		newRefreshCmd(flags),
		newPrimeCmd(flags),
		newConfigCmd(flags),
	)
	return root
}

func (f *globalFlags) loadConfig() (*koanf.Koanf, error) {
	return gabridge.LoadConfig(f.config...)
}

// openBridge assembles a Bridge from k. Unknown keys are logged as
// warnings.
func openBridge(ctx context.Context, k *koanf.Koanf, opts ...gabridge.Option) (*gabridge.Bridge, error) {
	for _, w := range gabridge.ValidateConfig(k) {
		logging.Warn(ctx, w.String())
	}
	return gabridge.NewFromConfig(ctx, k, opts...)
}
