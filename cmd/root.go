package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcore "github.com/zerobrew/zb/cmd/core"
	cmdothers "github.com/zerobrew/zb/cmd/others"
	cmdpkg "github.com/zerobrew/zb/cmd/pkg"
	cmdtap "github.com/zerobrew/zb/cmd/tap"
	"github.com/zerobrew/zb/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "zb",
		Short:        "zb - bottle-first package manager",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmdcore.CommandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("root-dir", "", "data root directory (blobs, store, db, taps)")
	cmd.PersistentFlags().String("prefix-dir", "", "user prefix the linker projects into")
	cmd.PersistentFlags().Int("download-concurrency", 0, "max simultaneous bottle downloads")
	cmd.PersistentFlags().String("catalog-url", "", "primary formula API base URL")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))
	_ = viper.BindPFlag("prefix_dir", cmd.PersistentFlags().Lookup("prefix-dir"))
	_ = viper.BindPFlag("download_concurrency", cmd.PersistentFlags().Lookup("download-concurrency"))
	_ = viper.BindPFlag("catalog_base_url", cmd.PersistentFlags().Lookup("catalog-url"))

	viper.SetEnvPrefix("ZB")
	viper.AutomaticEnv()

	confProvider := func() *config.Config { return conf }
	base := cmdcore.BaseHandler{ConfProvider: confProvider}

	for _, c := range cmdpkg.Commands(cmdpkg.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}
	cmd.AddCommand(cmdtap.Command(cmdtap.Handler{BaseHandler: base}))
	for _, c := range cmdothers.Commands(cmdothers.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}

	return cmd
}()

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		// No config file is OK; a corrupt/unreadable one is not.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	var err error
	conf, err = config.EnsureDirs(conf)
	if err != nil {
		return fmt.Errorf("ensure dirs: %w", err)
	}
	if conf.PoolSize <= 0 {
		conf.PoolSize = runtime.NumCPU()
	}
	if conf.DownloadConcurrency <= 0 {
		conf.DownloadConcurrency = 8 //nolint:mnd
	}
	if conf.CatalogBaseURL == "" {
		conf.CatalogBaseURL = config.DefaultBaseURL
	}

	return log.SetupLog(ctx, &conf.Log, "")
}
