// Package cli implements the swarmd command-line surface with
// spf13/cobra, following the teacher's internal/cli layout: a package-level
// rootCmd built in root.go, with each subcommand registering itself from
// its own file's init(), and spf13/viper bound to persistent flags for
// environment-variable + config-file precedence.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andywolf/swarmd/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "swarmd",
	Short: "swarmd drives a fleet of coding agents against labeled GitHub issues",
	Long: `swarmd is a long-running orchestrator that watches a GitHub repository
for labeled issues, dispatches an external coding agent to implement each one,
and shepherds the resulting pull requests through review until they merge or
need a human.

Example:
  swarmd serve`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: .swarmd.yaml in the working directory)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose logging")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "swarmd: error getting working directory:", err)
			os.Exit(1)
		}
		viper.AddConfigPath(cwd)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".swarmd")
	}

	viper.SetEnvPrefix("SWARMD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "swarmd: using config file:", viper.ConfigFileUsed())
		}
	}
}
