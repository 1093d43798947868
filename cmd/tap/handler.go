package tap

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/zerobrew/zb/cmd/core"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Add(cmd *cobra.Command, args []string) error {
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
	url := defaultTapURL(name)
	if len(args) > 1 {
		url = args[1]
	}
	if err := ins.AddTap(ctx, name, url); err != nil {
		return err
	}
	log.WithFunc("cmd.tap.add").Infof(ctx, "tapped %s (%s)", name, url)
	return nil
}

func (h Handler) Remove(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	ins, err := cmdcore.InitQuietInstaller(conf)
	if err != nil {
		return err
	}
	defer ins.Close() //nolint:errcheck

	if err := ins.RemoveTap(ctx, args[0]); err != nil {
		return err
	}
	log.WithFunc("cmd.tap.remove").Infof(ctx, "untapped %s", args[0])
	return nil
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	ins, err := cmdcore.InitQuietInstaller(conf)
	if err != nil {
		return err
	}
	defer ins.Close() //nolint:errcheck

	taps, err := ins.ListTaps(ctx)
	if err != nil {
		return err
	}
	if len(taps) == 0 {
		fmt.Println("No taps registered.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tURL\tADDED")
	for _, t := range taps {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, t.URL, t.AddedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

// defaultTapURL maps "user/repo" onto the conventional GitHub
// homebrew-prefixed repository URL.
func defaultTapURL(name string) string {
	parts := strings.SplitN(name, "/", 2)
	if len(parts) != 2 {
		return ""
	}
	return fmt.Sprintf("https://github.com/%s/homebrew-%s", parts[0], parts[1])
}
