package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	serverURL string
	outputFmt string
	actorFlag string
	hatsFlag  []string
)

var rootCmd = &cobra.Command{
	Use:   "poactl",
	Short: "CLI for the perpetual organization architect server",
	Long: `poactl manages perpetual organizations on an architect server.

It deploys whole organizations from YAML configs, inspects orgs and their
module instances, drives the proposal lifecycle (create, vote, announce),
and administers upgrade beacons.

The acting principal is sent as X-Remote-User; use --as and --hats, or the
POA_AS environment variable.`,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&serverURL, "server", "http://localhost:8080", "Architect server URL")
	flags.StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	flags.StringVar(&actorFlag, "as", "", "Principal to act as (sent as X-Remote-User)")
	flags.StringSliceVar(&hatsFlag, "hats", nil, "Hat IDs asserted for the principal (sent as X-Remote-Hats)")
	bindEnv(flags)

	rootCmd.AddCommand(orgsCmd)
	rootCmd.AddCommand(beaconsCmd)
	rootCmd.AddCommand(proposalsCmd)
	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(modulesCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(healthCmd)
}

// bindEnv lets POA_SERVER and POA_AS override the flag defaults.
func bindEnv(flags *pflag.FlagSet) {
	viper.SetEnvPrefix("POA")
	viper.AutomaticEnv()
	for _, name := range []string{"server", "as"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

// resolvedServer returns the effective server URL.
// Priority: --server flag > POA_SERVER env var > default.
func resolvedServer() string {
	return viper.GetString("server")
}

// resolvedActor returns the effective acting principal.
func resolvedActor() string {
	return viper.GetString("as")
}
