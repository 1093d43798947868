package core

import (
	"context"
	"fmt"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/zerobrew/zb/config"
	"github.com/zerobrew/zb/install"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// InitInstaller wires the full install engine with stderr progress
// rendering. Callers must Close it.
func InitInstaller(conf *config.Config) (*install.Installer, error) {
	ins, err := install.New(conf, NewDownloadRenderer(), NewInstallRenderer())
	if err != nil {
		return nil, fmt.Errorf("init installer: %w", err)
	}
	return ins, nil
}

// InitQuietInstaller wires the install engine without progress rendering,
// for commands whose stdout is machine-readable.
func InitQuietInstaller(conf *config.Config) (*install.Installer, error) {
	ins, err := install.New(conf, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("init installer: %w", err)
	}
	return ins, nil
}

// FormatSize renders a byte count for human-readable listings.
func FormatSize(bytes int64) string {
	return units.HumanSize(float64(bytes))
}
