package cmd

import (
	"github.com/spf13/cobra"

	"github.com/flotillaproject/flotilla/internal/flotillactl"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print client version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return flotillactl.New().Version()
		},
	}
}
