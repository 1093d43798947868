package pkg

import "github.com/spf13/cobra"

// Actions defines package lifecycle operations.
type Actions interface {
	Install(cmd *cobra.Command, args []string) error
	Uninstall(cmd *cobra.Command, args []string) error
	Upgrade(cmd *cobra.Command, args []string) error
	Outdated(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Info(cmd *cobra.Command, args []string) error
	Pin(cmd *cobra.Command, args []string) error
	Unpin(cmd *cobra.Command, args []string) error
	Link(cmd *cobra.Command, args []string) error
	Unlink(cmd *cobra.Command, args []string) error
	Autoremove(cmd *cobra.Command, args []string) error
}

// Commands builds the package lifecycle command set. These are top-level
// commands (zb install, zb list, ...), not nested under a parent.
func Commands(h Actions) []*cobra.Command {
	installCmd := &cobra.Command{
		Use:   "install FORMULA [FORMULA...]",
		Short: "Install formula(e) from prebuilt bottles",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Install,
	}
	installCmd.Flags().Bool("no-link", false, "install without linking into the prefix")
	installCmd.Flags().Bool("overwrite", false, "replace conflicting symlinks in the prefix")
	installCmd.Flags().Bool("force", false, "link keg-only formulae too")
	installCmd.Flags().Bool("build-from-source", false, "build from source instead of installing a bottle")

	uninstallCmd := &cobra.Command{
		Use:     "uninstall FORMULA [FORMULA...]",
		Aliases: []string{"rm", "remove"},
		Short:   "Uninstall formula(e)",
		Args:    cobra.MinimumNArgs(1),
		RunE:    h.Uninstall,
	}

	upgradeCmd := &cobra.Command{
		Use:   "upgrade [FORMULA...]",
		Short: "Upgrade outdated formulae (all when none named)",
		RunE:  h.Upgrade,
	}
	upgradeCmd.Flags().Bool("force", false, "upgrade pinned formulae too when they are named")

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List installed formulae",
		RunE:    h.List,
	}
	listCmd.Flags().Bool("json", false, "emit JSON to stdout")
	listCmd.Flags().Bool("pinned", false, "only pinned formulae")
	listCmd.Flags().Bool("deps", false, "only formulae installed as dependencies")

	linkCmd := &cobra.Command{
		Use:   "link FORMULA",
		Short: "Link an installed keg into the prefix",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Link,
	}
	linkCmd.Flags().Bool("overwrite", false, "replace conflicting symlinks in the prefix")
	linkCmd.Flags().Bool("force", false, "link a keg-only formula")

	return []*cobra.Command{
		installCmd,
		uninstallCmd,
		upgradeCmd,
		{
			Use:   "outdated",
			Short: "List installed formulae with newer versions available",
			RunE:  h.Outdated,
		},
		listCmd,
		{
			Use:   "info FORMULA",
			Short: "Show detailed formula info (JSON)",
			Args:  cobra.ExactArgs(1),
			RunE:  h.Info,
		},
		{
			Use:   "pin FORMULA [FORMULA...]",
			Short: "Exclude formula(e) from upgrades",
			Args:  cobra.MinimumNArgs(1),
			RunE:  h.Pin,
		},
		{
			Use:   "unpin FORMULA [FORMULA...]",
			Short: "Allow formula(e) to be upgraded again",
			Args:  cobra.MinimumNArgs(1),
			RunE:  h.Unpin,
		},
		linkCmd,
		{
			Use:   "unlink FORMULA",
			Short: "Remove a keg's links from the prefix, keeping it installed",
			Args:  cobra.ExactArgs(1),
			RunE:  h.Unlink,
		},
		{
			Use:   "autoremove",
			Short: "Uninstall dependencies no explicit formula needs anymore",
			RunE:  h.Autoremove,
		},
	}
}
