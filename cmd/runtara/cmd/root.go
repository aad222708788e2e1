package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "runtara",
	Short: "Runtara is the command line tool for the runtara durable execution platform",
	Long: `runtara is the command-line interface for the runtara durable execution
platform.

Runtara runs workflow binaries as isolated instances with durable
checkpoints: a crashed or restarted instance replays through its saved
checkpoints instead of redoing completed work. The platform is split
into two planes:

  - Instance Plane:    serves the workflow binaries (checkpoints, sleep,
                       signals, lifecycle events)
  - Environment Plane: registry of workflow images, instance supervisor,
                       wake scheduler, management API

This tool talks to the environment plane's management API.

Common workflows:

  Register a workflow binary:
    runtara image register --name order-saga --file ./order-saga

  Start an instance:
    runtara start <image-id> --input '{"order_id":"o-123"}'

  Inspect instances:
    runtara instances --status running

  Signal a running instance:
    runtara signal <instance-id> cancel

  Inspect an instance's history:
    runtara events <instance-id>
    runtara checkpoints <instance-id>

Configuration:
  Set the plane address and tenant via flags, environment variables or a
  config file:
    RUNTARA_ADDR      environment plane address (default: 127.0.0.1:7234)
    RUNTARA_TENANT    tenant id for image and instance operations`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".runtara"
		viper.AddConfigPath(home)
		viper.SetConfigName(".runtara")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "RUNTARA_VARNAME"
	viper.SetEnvPrefix("RUNTARA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.runtara.yaml)")

	rootCmd.PersistentFlags().String("addr", "127.0.0.1:7234", "Environment plane address")
	viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr"))

	rootCmd.PersistentFlags().StringP("tenant", "t", "", "Tenant id")
	viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))

	rootCmd.PersistentFlags().String("server-name", "", "TLS server name override")
	viper.BindPFlag("server_name", rootCmd.PersistentFlags().Lookup("server-name"))

	rootCmd.PersistentFlags().Bool("insecure", false, "Skip TLS certificate verification (development only)")
	viper.BindPFlag("insecure", rootCmd.PersistentFlags().Lookup("insecure"))

	rootCmd.PersistentFlags().Bool("plaintext", false, "Connect without TLS (development only)")
	viper.BindPFlag("plaintext", rootCmd.PersistentFlags().Lookup("plaintext"))
}
