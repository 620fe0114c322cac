package cli

import (
	"os"

	"github.com/kilupskalvis/docgate/internal/config"
	"github.com/spf13/cobra"
)

var configDefaults bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective server configuration",
	Long: `Print the configuration "docgate serve" would run with, as TOML.

The file given by --config and DOCGATE_* environment variables are applied.
With --defaults only the built-in defaults are printed, which makes a good
starting point for a config file:

  docgate config --defaults > docgate.toml`,
	Args: cobra.NoArgs,
	Run:  runConfig,
}

func init() {
	configCmd.Flags().StringVar(&serveConfigPath, "config", os.Getenv("DOCGATE_CONFIG"), "TOML config file (env: DOCGATE_CONFIG)")
	configCmd.Flags().BoolVar(&configDefaults, "defaults", false, "Print the built-in defaults only")
}

func runConfig(_ *cobra.Command, _ []string) {
	cfg := config.Default()
	if !configDefaults {
		var err error
		if cfg, err = config.Load(serveConfigPath); err != nil {
			exitError("%v", err)
		}
	}
	if err := cfg.Write(os.Stdout); err != nil {
		exitError("%v", err)
	}
}
