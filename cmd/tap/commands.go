package tap

import "github.com/spf13/cobra"

// Actions defines tap management operations.
type Actions interface {
	Add(cmd *cobra.Command, args []string) error
	Remove(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
}

// Command builds the "tap" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	tapCmd := &cobra.Command{
		Use:   "tap",
		Short: "Manage third-party formula repositories",
	}
	tapCmd.AddCommand(
		&cobra.Command{
			Use:   "add USER/REPO [URL]",
			Short: "Register a tap (URL defaults to the GitHub homebrew-REPO convention)",
			Args:  cobra.RangeArgs(1, 2),
			RunE:  h.Add,
		},
		&cobra.Command{
			Use:     "remove USER/REPO",
			Aliases: []string{"rm"},
			Short:   "Unregister a tap and drop its cached formulae",
			Args:    cobra.ExactArgs(1),
			RunE:    h.Remove,
		},
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List registered taps",
			RunE:    h.List,
		},
	)
	return tapCmd
}
