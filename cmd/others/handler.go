package others

import (
	"fmt"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/zerobrew/zb/cmd/core"
	"github.com/zerobrew/zb/version"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) GC(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.gc")
	ins, err := cmdcore.InitQuietInstaller(conf)
	if err != nil {
		return err
	}
	defer ins.Close() //nolint:errcheck

	keys, err := ins.GC(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		logger.Infof(ctx, "reclaimed store entry %s", key)
	}
	logger.Infof(ctx, "GC completed (%d store entries reclaimed)", len(keys))
	return nil
}

func (h Handler) Cleanup(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.cleanup")
	ins, err := cmdcore.InitQuietInstaller(conf)
	if err != nil {
		return err
	}
	defer ins.Close() //nolint:errcheck

	pruneDays, _ := cmd.Flags().GetInt("prune-days")
	report, err := ins.Cleanup(ctx, time.Duration(pruneDays)*24*time.Hour)
	if err != nil {
		return err
	}

	logger.Infof(ctx, "store entries removed: %d", len(report.StoreKeysRemoved))
	logger.Infof(ctx, "blobs removed: %d (%s freed)", report.BlobsRemoved, cmdcore.FormatSize(report.BlobBytesFreed))
	logger.Infof(ctx, "temp files removed: %d (%s freed)", report.TempFilesRemoved, cmdcore.FormatSize(report.TempBytesFreed))
	logger.Infof(ctx, "extraction temp dirs removed: %d, stale locks removed: %d",
		report.TempDirsRemoved, report.StaleLocksRemoved)
	logger.Infof(ctx, "cached API responses pruned: %d", report.APIEntriesPruned)
	return nil
}

func (h Handler) Doctor(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.doctor")
	ins, err := cmdcore.InitQuietInstaller(conf)
	if err != nil {
		return err
	}
	defer ins.Close() //nolint:errcheck

	fix, _ := cmd.Flags().GetBool("fix")
	issues, err := ins.Doctor(ctx, fix)
	if err != nil {
		return err
	}
	if len(issues) == 0 {
		logger.Info(ctx, "your system is ready to brew")
		return nil
	}
	for _, issue := range issues {
		suffix := ""
		if issue.Fixed {
			suffix = " [fixed]"
		}
		logger.Warnf(ctx, "%s %s: %s (%s)%s", issue.Kind, issue.Name, issue.Path, issue.Detail, suffix)
	}

	unfixed := 0
	for _, issue := range issues {
		if !issue.Fixed {
			unfixed++
		}
	}
	if unfixed > 0 {
		return fmt.Errorf("doctor found %d unresolved issue(s)", unfixed)
	}
	return nil
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}
