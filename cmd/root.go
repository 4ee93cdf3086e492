package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/glossopoeia/mvm/config"
)

var (
	configPath string
	verbosity  int
	cfg        *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mvm",
	Short: "Verify, inspect, publish and run resource-oriented bytecode",
	Long: `mvm works on bundles: CBOR files holding a list of compiled modules
and an optional script. Modules are verified before they are published and
scripts are verified before they run.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		commonlog.Configure(verbosity, nil)
		if configPath == "" {
			cfg = config.Default()
			return nil
		}
		var err error
		cfg, err = config.Load(configPath)
		return err
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
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML configuration file")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "log verbosity (repeat for more)")
}
