package coremain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/fwdcache/mlog"
	"github.com/pmkol/fwdcache/pkg/cache"
	"github.com/pmkol/fwdcache/pkg/cache/snapshot"
	"github.com/pmkol/fwdcache/pkg/dnsutils"
)

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	asService bool
}

var rootCmd = &cobra.Command{
	Use:   "fwdcache",
	Short: "A caching dns forward proxy.",
}

func init() {
	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start fwdcache main program.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				svc, err := service.New(&serverService{f: sf}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return svc.Run()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return StartServer(ctx, sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	fs := startCmd.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	_ = fs.MarkHidden("as-service")

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage fwdcache as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService
	serviceCmd.AddCommand(
		newSvcInstallCmd(),
		newSvcUninstallCmd(),
		newSvcStartCmd(),
		newSvcStopCmd(),
		newSvcRestartCmd(),
		newSvcStatusCmd(),
	)
	rootCmd.AddCommand(serviceCmd)

	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect cache snapshots.",
	}
	cacheCmd.AddCommand(newCacheDumpCmd())
	rootCmd.AddCommand(cacheCmd)

	rootCmd.AddCommand(newGenConfigCmd())
}

func Run() error {
	return rootCmd.Execute()
}

// StartServer loads the config and runs fwdcache until ctx is done.
func StartServer(ctx context.Context, sf *serverFlags) error {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	cfg, v, err := loadConfig(sf.c)
	if err != nil {
		return fmt.Errorf("fail to load config, %w", err)
	}

	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	lg.Info("config loaded", zap.String("file", v.ConfigFileUsed()))
	watchLogLevel(v, lg)

	if err := RunFwdcache(ctx, cfg, lg); err != nil {
		return fmt.Errorf("fwdcache exited, %w", err)
	}
	return nil
}

// loadConfig load a config from a file. If filePath is empty, it will
// automatically search and load a file which name start with "config".
func loadConfig(filePath string) (*Config, *viper.Viper, error) {
	v := viper.New()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := decodeConfig(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// decodeConfig decodes v over DefaultConfig, so missing keys keep their
// default value.
func decodeConfig(v *viper.Viper) (*Config, error) {
	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Init(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// watchLogLevel re-applies the log level when the config file changes.
// Other options need a restart.
func watchLogLevel(v *viper.Viper, lg *zap.Logger) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decodeConfig(v)
		if err != nil {
			lg.Warn("ignoring invalid config change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if err := mlog.SetLevel(lg, cfg.Log.Level); err != nil {
			lg.Warn("failed to apply log level", zap.Error(err))
			return
		}
		lg.Info("log level reloaded", zap.String("level", cfg.Log.Level))
	})
	v.WatchConfig()
}

func newGenConfigCmd() *cobra.Command {
	var out string
	c := &cobra.Command{
		Use:   "gen-config [-o file]",
		Short: "Print the default config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var w io.Writer = cmd.OutOrStdout()
			if len(out) > 0 {
				f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return writeDefaultConfig(w)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	c.Flags().StringVarP(&out, "output", "o", "", "write to file instead of stdout")
	return c
}

func writeDefaultConfig(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(DefaultConfig()); err != nil {
		return err
	}
	return enc.Close()
}

func newCacheDumpCmd() *cobra.Command {
	var file string
	var at string
	c := &cobra.Command{
		Use:   "dump -f snapshot_file [--at RFC3339]",
		Short: "Print the records of a cache snapshot.",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if len(at) > 0 {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid time, %w", err)
				}
				now = t
			}
			return dumpSnapshot(cmd.OutOrStdout(), file, now)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	c.Flags().StringVarP(&file, "file", "f", "dnscache.snapshot", "snapshot file")
	c.Flags().StringVar(&at, "at", "", "report freshness at this time instead of now")
	return c
}

func dumpSnapshot(w io.Writer, file string, now time.Time) error {
	entries, err := snapshot.Load(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("snapshot %s does not exist", file)
		}
		return err
	}

	stale := 0
	for _, e := range entries {
		state := "fresh"
		if cache.IsStale(e, now) {
			state = "stale"
			stale++
		}
		k := e.Key()
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			k.Name,
			dnsutils.QtypeToString(k.Type),
			e.InsertedAt.UTC().Format(time.RFC3339),
			state,
			e.RR.String(),
		); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "# %d entries, %d stale\n", len(entries), stale)
	return err
}
