package pkg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/zerobrew/zb/cmd/core"
	"github.com/zerobrew/zb/install"
	"github.com/zerobrew/zb/metadatadb"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Install(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	ins, err := cmdcore.InitInstaller(conf)
	if err != nil {
		return err
	}
	defer ins.Close() //nolint:errcheck

	opts := install.Options{}
	opts.NoLink, _ = cmd.Flags().GetBool("no-link")
	opts.Overwrite, _ = cmd.Flags().GetBool("overwrite")
	opts.Force, _ = cmd.Flags().GetBool("force")
	opts.BuildFromSource, _ = cmd.Flags().GetBool("build-from-source")

	for _, name := range args {
		if _, err := ins.Install(ctx, name, opts); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
	}
	return nil
}

func (h Handler) Uninstall(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.uninstall")
	ins, err := cmdcore.InitInstaller(conf)
	if err != nil {
		return err
	}
	defer ins.Close() //nolint:errcheck

	for _, name := range args {
		storeKey, err := ins.Uninstall(ctx, name)
		if err != nil {
			return err
		}
		logger.Infof(ctx, "uninstalled %s (store key %s released)", name, storeKey)
	}
	return nil
}

func (h Handler) Upgrade(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.upgrade")
	ins, err := cmdcore.InitInstaller(conf)
	if err != nil {
		return err
	}
	defer ins.Close() //nolint:errcheck

	force, _ := cmd.Flags().GetBool("force")
	done, err := ins.Upgrade(ctx, args, force, install.Options{})
	for _, u := range done {
		logger.Infof(ctx, "upgraded %s %s -> %s", u.Name, u.FromVersion, u.ToVersion)
	}
	if err != nil {
		return err
	}
	if len(done) == 0 {
		logger.Info(ctx, "everything up to date")
	}
	return nil
}

func (h Handler) Outdated(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	ins, err := cmdcore.InitQuietInstaller(conf)
	if err != nil {
		return err
	}
	defer ins.Close() //nolint:errcheck

	outdated, err := ins.Outdated(ctx)
	if err != nil {
		return err
	}
	if len(outdated) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tINSTALLED\tAVAILABLE")
	for _, o := range outdated {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", o.Name, o.InstalledVersion, o.AvailableVersion)
	}
	return w.Flush()
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	_, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	ins, err := cmdcore.InitQuietInstaller(conf)
	if err != nil {
		return err
	}
	defer ins.Close() //nolint:errcheck

	var kegs []metadatadb.Keg
	switch {
	case flagSet(cmd, "pinned"):
		kegs, err = ins.DB().ListPinned()
	case flagSet(cmd, "deps"):
		kegs, err = ins.DB().ListDependencies()
	default:
		kegs, err = ins.DB().List()
	}
	if err != nil {
		return err
	}

	if flagSet(cmd, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(kegs)
	}

	if len(kegs) == 0 {
		fmt.Println("No formulae installed.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tVERSION\tFLAGS\tINSTALLED")
	for _, k := range kegs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			k.Name, k.Version, kegFlags(k), k.InstalledAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func (h Handler) Info(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	ins, err := cmdcore.InitQuietInstaller(conf)
	if err != nil {
		return err
	}
	defer ins.Close() //nolint:errcheck

	name := args[0]
	f, err := ins.Resolver().FetchFormula(ctx, name)
	if err != nil {
		return err
	}
	keg, err := ins.DB().Get(f.Name)
	if err != nil {
		return err
	}

	out := struct {
		Name             string   `json:"name"`
		Desc             string   `json:"desc,omitempty"`
		Homepage         string   `json:"homepage,omitempty"`
		License          string   `json:"license,omitempty"`
		Version          string   `json:"version"`
		Dependencies     []string `json:"dependencies"`
		KegOnly          bool     `json:"keg_only"`
		Caveats          string   `json:"caveats,omitempty"`
		Installed        bool     `json:"installed"`
		InstalledVersion string   `json:"installed_version,omitempty"`
		Pinned           bool     `json:"pinned,omitempty"`
		KegPath          string   `json:"keg_path,omitempty"`
	}{
		Name:         f.Name,
		Desc:         f.Desc,
		Homepage:     f.Homepage,
		License:      f.License,
		Version:      f.EffectiveVersion(),
		Dependencies: f.Dependencies,
		KegOnly:      f.KegOnly,
		Caveats:      f.Caveats,
	}
	if keg != nil {
		out.Installed = true
		out.InstalledVersion = keg.Version
		out.Pinned = keg.Pinned
		out.KegPath = ins.Cellar().KegPath(keg.Name, keg.Version)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func (h Handler) Pin(cmd *cobra.Command, args []string) error {
	return h.eachInstalled(cmd, args, "pinned", (*install.Installer).Pin)
}

func (h Handler) Unpin(cmd *cobra.Command, args []string) error {
	return h.eachInstalled(cmd, args, "unpinned", (*install.Installer).Unpin)
}

func (h Handler) Link(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.link")
	ins, err := cmdcore.InitQuietInstaller(conf)
	if err != nil {
		return err
	}
	defer ins.Close() //nolint:errcheck

	opts := install.Options{}
	opts.Overwrite, _ = cmd.Flags().GetBool("overwrite")
	opts.Force, _ = cmd.Flags().GetBool("force")

	links, err := ins.Link(ctx, args[0], opts)
	if err != nil {
		return err
	}
	logger.Infof(ctx, "linked %s (%d symlinks)", args[0], len(links))
	return nil
}

func (h Handler) Unlink(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.unlink")
	ins, err := cmdcore.InitQuietInstaller(conf)
	if err != nil {
		return err
	}
	defer ins.Close() //nolint:errcheck

	removed, err := ins.Unlink(ctx, args[0])
	if err != nil {
		return err
	}
	logger.Infof(ctx, "unlinked %s (%d symlinks removed)", args[0], len(removed))
	return nil
}

func (h Handler) Autoremove(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.autoremove")
	ins, err := cmdcore.InitQuietInstaller(conf)
	if err != nil {
		return err
	}
	defer ins.Close() //nolint:errcheck

	removed, err := ins.Autoremove(ctx)
	for _, name := range removed {
		logger.Infof(ctx, "removed orphan: %s", name)
	}
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		logger.Info(ctx, "no orphaned dependencies found")
	}
	return nil
}

// eachInstalled applies op to every named package through one installer.
func (h Handler) eachInstalled(cmd *cobra.Command, args []string, verb string, op func(*install.Installer, context.Context, string) error) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd." + verb)
	ins, err := cmdcore.InitQuietInstaller(conf)
	if err != nil {
		return err
	}
	defer ins.Close() //nolint:errcheck

	for _, name := range args {
		if err := op(ins, ctx, name); err != nil {
			return err
		}
		logger.Infof(ctx, "%s %s", verb, name)
	}
	return nil
}

func kegFlags(k metadatadb.Keg) string {
	switch {
	case k.Pinned && !k.Explicit:
		return "pinned,dep"
	case k.Pinned:
		return "pinned"
	case !k.Explicit:
		return "dep"
	default:
		return "-"
	}
}

func flagSet(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name)
	return v
}
