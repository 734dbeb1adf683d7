// Command cyclegan trains unpaired image-to-image translators and inspects
// the checkpoints they produce.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tsawler/go-cyclegan/config"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app carries the state shared by every subcommand
type app struct {
	v       *viper.Viper
	cfgFile string
	envFile string
}

func (a *app) loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(a.envFile); err != nil {
		return nil, err
	}
	return config.Load(a.v, a.cfgFile)
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}

	root := &cobra.Command{
		Use:   "cyclegan",
		Short: "Unpaired image-to-image translation training",
		Long: `cyclegan trains two translators between an unpaired pair of image
domains together with one discriminator per domain.

Settings come from defaults, an optional config file (--config), a .env
file and CYCLEGAN_* environment variables, with flags taking precedence.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded into the environment")

	root.AddCommand(newTrainCmd(a))
	root.AddCommand(newInspectCmd())
	root.AddCommand(newDeviceCmd(a))
	root.AddCommand(newHistoryCmd(a))
	return root
}

// bindFlags binds each flag to the configuration key of the same entry
func bindFlags(a *app, cmd *cobra.Command, keys map[string]string) error {
	for flag, key := range keys {
		if err := a.v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("binding --%s: %v", flag, err)
		}
	}
	return nil
}
