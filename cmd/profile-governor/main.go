package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/szibis/profile-governor/internal/config"
	"github.com/szibis/profile-governor/internal/controller"
	"github.com/szibis/profile-governor/internal/logging"
	"github.com/szibis/profile-governor/internal/telemetry"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

const envPrefix = "PROFILE_GOVERNOR"

// overrides maps viper keys to the config fields they replace. Each key is
// settable as a flag and as PROFILE_GOVERNOR_<KEY> with dots as underscores.
var overrides = []struct {
	key, flag, usage string
	apply            func(*config.Config, string)
}{
	{"store.path", "store-path", "directory holding state.db", func(c *config.Config, v string) { c.Store.Path = v }},
	{"health.address", "health-addr", "health and metrics listen address", func(c *config.Config, v string) { c.Health.Address = v }},
	{"gateway.url", "gateway-url", "metrics gateway base URL", func(c *config.Config, v string) { c.Gateway.URL = v }},
	{"gateway.auth.bearer_token", "gateway-bearer-token", "bearer token sent to the metrics gateway", func(c *config.Config, v string) { c.Gateway.Auth.BearerToken = v }},
	{"health.auth.bearer_token", "health-bearer-token", "bearer token required on /metrics and the status views", func(c *config.Config, v string) { c.Health.Auth.BearerToken = v }},
	{"applier.mode", "applier-mode", "file or dry_run", func(c *config.Config, v string) { c.Applier.Mode = v }},
	{"decision.initial_profile", "initial-profile", "profile used when none is persisted", func(c *config.Config, v string) { c.Decision.InitialProfile = v }},
	{"log.level", "log-level", "debug, info, warn or error", func(c *config.Config, v string) { c.Log.Level = v }},
	{"telemetry.endpoint", "telemetry-endpoint", "OTLP endpoint for self-telemetry", func(c *config.Config, v string) { c.Telemetry.Endpoint = v }},
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	for _, o := range overrides {
		fs.String(o.flag, "", o.usage)
		_ = v.BindPFlag(o.key, fs.Lookup(o.flag))
	}
}

// loadConfig reads the YAML file, then applies flag and environment
// overrides, then validates.
func loadConfig(path string, v *viper.Viper) (*config.Config, error) {
	if path == "" {
		path = v.GetString("config")
	}
	if path == "" {
		return nil, errors.New("no configuration file: pass --config or set " + envPrefix + "_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		if s := v.GetString(o.key); s != "" {
			o.apply(cfg, s)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	v := newViper()
	var configPath string

	root := &cobra.Command{
		Use:           "profile-governor",
		Short:         "Adaptive telemetry cost governor",
		Long:          "Watches telemetry cost, coverage and performance and switches the active filtering profile.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	bindFlags(v, root.Flags())

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file and print the result as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath
			if path == "" {
				path = v.GetString("config")
			}
			res := config.ValidateFile(path)
			fmt.Fprintln(cmd.OutOrStdout(), res.JSON())
			if !res.Valid {
				return errors.New("configuration is invalid")
			}
			return nil
		},
	})
	return root
}

func run(parent context.Context, cfg *config.Config) error {
	logging.SetLevel(logging.ParseLevel(cfg.Log.Level))
	host, _ := os.Hostname()
	logging.SetResource(map[string]string{
		"service.name":    "profile-governor",
		"service.version": version,
		"host.name":       host,
	})

	if cfg.Memory.LimitRatio > 0 {
		limit, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(cfg.Memory.LimitRatio),
			memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
		)
		if err != nil {
			logging.Warn("cannot derive GOMEMLIMIT", logging.F("component", "main", "error", err.Error()))
		} else {
			logging.Info("GOMEMLIMIT set", logging.F("component", "main", "bytes", limit, "ratio", cfg.Memory.LimitRatio))
		}
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, controller.TelemetryConfig(cfg.Telemetry), telemetry.Service{
		Name:     "profile-governor",
		Version:  version,
		Instance: host,
	})
	if err != nil {
		return err
	}
	if tel.Enabled() {
		logging.SetHook(tel.LogHook())
		logging.Info("self-telemetry enabled", logging.F(
			"component", "main",
			"endpoint", cfg.Telemetry.Endpoint,
			"protocol", cfg.Telemetry.Protocol,
		))
	}

	ctrl, err := controller.New(ctx, cfg)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return err
	}
	ctrl.Start(ctx)

	<-ctx.Done()
	stop()

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = ctrl.Shutdown(sctx)

	logging.SetHook(nil)
	tctx, tcancel := context.WithTimeout(context.Background(), tel.ShutdownTimeout())
	defer tcancel()
	return errors.Join(err, tel.Shutdown(tctx))
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logging.Error("profile-governor failed", logging.F("component", "main", "error", err.Error()))
		os.Exit(1)
	}
}
