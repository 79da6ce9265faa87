package flotillactl

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/recovery"
)

// ListSnapshots prints the stored snapshots oldest first, one line each.
func (a *App) ListSnapshots() error {
	return a.withRepository(func(repository *recovery.RedisSnapshotRepository) error {
		snapshots, err := repository.ListSnapshots()
		if err != nil {
			return errors.Wrap(err, "error listing snapshots")
		}
		if len(snapshots) == 0 {
			fmt.Fprintln(a.Out, "No snapshots stored")
			return nil
		}

		w := tabwriter.NewWriter(a.Out, 1, 1, 1, ' ', 0)
		fmt.Fprintf(w, "ID\tCREATED\tNODES\tTASKS\tCHECKSUM\n")
		for _, snapshot := range snapshots {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.12s\n",
				snapshot.Id,
				snapshot.CreatedAt.Format(time.RFC3339),
				len(snapshot.Nodes),
				len(snapshot.Tasks),
				snapshot.Checksum)
		}
		return w.Flush()
	})
}

// VerifySnapshot recomputes one snapshot's checksum and compares it to the
// stored value, so an operator can prove a snapshot restorable before
// attempting a restore.
func (a *App) VerifySnapshot(snapshotId string) error {
	return a.withRepository(func(repository *recovery.RedisSnapshotRepository) error {
		snapshot, err := repository.FetchSnapshot(snapshotId)
		if err != nil {
			return errors.Wrapf(err, "error fetching snapshot %s", snapshotId)
		}
		if snapshot == nil {
			return errors.Errorf("snapshot %s not found", snapshotId)
		}

		computed, err := snapshot.ComputeChecksum()
		if err != nil {
			return err
		}
		if computed != snapshot.Checksum {
			return &flotillaerrors.ErrChecksumMismatch{
				SnapshotId: snapshotId,
				Expected:   snapshot.Checksum,
				Actual:     computed,
			}
		}

		fmt.Fprintf(a.Out, "Snapshot %s verified: %d nodes, %d tasks, checksum %.12s... intact\n",
			snapshot.Id, len(snapshot.Nodes), len(snapshot.Tasks), snapshot.Checksum)
		return nil
	})
}
