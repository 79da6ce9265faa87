package cmd

import (
	"github.com/go-redis/redis"
	"github.com/spf13/cobra"

	"github.com/flotillaproject/flotilla/internal/flotillactl"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "flotillactl",
		SilenceUsage: true,
		Short:        "flotillactl inspects the Flotilla training fleet coordinator.",
	}

	cmd.PersistentFlags().StringSlice(
		"redisAddrs",
		[]string{"localhost:6379"},
		"Redis host:port addresses holding the coordinator's durable state")
	cmd.PersistentFlags().Int(
		"redisDb",
		0,
		"Redis database holding the coordinator's durable state")

	cmd.AddCommand(
		snapshotsCmd(),
		versionCmd(),
	)

	return cmd
}

// appFromFlags builds an App whose Redis connection reflects the persistent
// command line flags.
func appFromFlags(cmd *cobra.Command) (*flotillactl.App, error) {
	addrs, err := cmd.Flags().GetStringSlice("redisAddrs")
	if err != nil {
		return nil, err
	}
	db, err := cmd.Flags().GetInt("redisDb")
	if err != nil {
		return nil, err
	}

	a := flotillactl.New()
	a.Params.Redis = &redis.UniversalOptions{
		Addrs: addrs,
		DB:    db,
	}
	return a, nil
}
