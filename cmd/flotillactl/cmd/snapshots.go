package cmd

import (
	"github.com/spf13/cobra"
)

func snapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Inspect and verify the coordinator's system snapshots",
	}
	cmd.AddCommand(
		snapshotsListCmd(),
		snapshotsVerifyCmd(),
	)
	return cmd
}

func snapshotsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFromFlags(cmd)
			if err != nil {
				return err
			}
			return a.ListSnapshots()
		},
	}
}

func snapshotsVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <snapshot-id>",
		Short: "Recompute a snapshot's checksum and compare it against the stored one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFromFlags(cmd)
			if err != nil {
				return err
			}
			return a.VerifySnapshot(args[0])
		},
	}
}
