package others

import "github.com/spf13/cobra"

// Actions defines cross-cutting maintenance operations.
type Actions interface {
	GC(cmd *cobra.Command, args []string) error
	Cleanup(cmd *cobra.Command, args []string) error
	Doctor(cmd *cobra.Command, args []string) error
	Version(cmd *cobra.Command, args []string) error
}

// Commands builds the maintenance command set.
func Commands(h Actions) []*cobra.Command {
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Reclaim unreferenced store entries, stale blobs, temp files, and cached responses",
		RunE:  h.Cleanup,
	}
	cleanupCmd.Flags().Int("prune-days", 30, "also remove unreferenced blobs and cached API responses older than this many days (0 removes all unreferenced)")

	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the metadata DB against the filesystem and report discrepancies",
		RunE:  h.Doctor,
	}
	doctorCmd.Flags().Bool("fix", false, "remove dangling and broken prefix links")

	return []*cobra.Command{
		{
			Use:   "gc",
			Short: "Remove store entries no installed formula references (blobs are left for cleanup)",
			RunE:  h.GC,
		},
		cleanupCmd,
		doctorCmd,
		{
			Use:   "version",
			Short: "Show version, git revision, and build timestamp",
			RunE:  h.Version,
		},
	}
}
