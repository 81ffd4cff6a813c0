package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/dftlab/dftsup/internal/log"
	"github.com/dftlab/dftsup/internal/model"
	"github.com/dftlab/dftsup/internal/service"
	"github.com/dftlab/dftsup/internal/web"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	userConfigPath string // /default/config/path/dftsup on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	closeLog       = func() error { return nil }

	flagConfigFilePath string // value of --config flag
	flagDir            string // value of --dir flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "dftsup")
}

func main() {
	// root flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is dftsup.yaml in current directory or in "+userConfigPath)
	flags.Bool("verbose", false, "verbose logging")
	flags.String("listen", "", "address of the HTTP server, overrides server.listen")
	flags.String("busy-policy", "", "what a start does while an analysis runs: preempt or reject")

	resultsCmd.Flags().StringVar(&flagDir, "dir", "", "working directory, defaults to the last successful run")
	extractCmd.Flags().StringVar(&flagDir, "dir", "", "working directory, defaults to the last successful run")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initDftsup

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(resultsCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(versionCmd)

	err := rootCmd.Execute()
	if err != nil {
		slog.Error("dftsup failed", "err", err)
	}
	_ = closeLog()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "dftsup",
	Short:        "Supervisor of external fault tree and Markov chain analyses",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve starts the HTTP API used by the editor",
	RunE:  doServe,
}

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "results prints the last analysis results",
	RunE:  doResults,
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "extract runs the results extraction command and prints the results",
	RunE:  doExtract,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a dftsup",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("dftsup: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("dftsup: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("dftsup",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	g, ctx := errgroup.WithContext(ctx)
	supervisor, err := service.SupervisorFromConfig(ctx, config)
	if err != nil {
		return err
	}
	server := web.NewServer(config.Server, supervisor)

	g.Go(func() error {
		return supervisor.Do(ctx)
	})
	g.Go(func() error {
		return server.Run(ctx)
	})
	return g.Wait()
}

func doResults(cmd *cobra.Command, args []string) error {
	return oneshot(cmd, "results", func(ctx context.Context, s *service.Supervisor) (model.ResultSet, error) {
		return s.Results(ctx, flagDir)
	})
}

func doExtract(cmd *cobra.Command, args []string) error {
	return oneshot(cmd, "extract", func(ctx context.Context, s *service.Supervisor) (model.ResultSet, error) {
		return s.Extract(ctx, flagDir)
	})
}

type resultsOutput struct {
	Path     string            `json:"path"`
	Modified time.Time         `json:"modified"`
	Summary  map[string]string `json:"summary,omitempty"`
	Results  json.RawMessage   `json:"results"`
}

// oneshot runs f on a supervisor which never starts analyses, so no
// reaper is scheduled.
func oneshot(cmd *cobra.Command, name string, f func(context.Context, *service.Supervisor) (model.ResultSet, error)) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("dftsup",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	))

	cfg := config
	cfg.Supervisor.Reaper = &model.Reaper{Enabled: false}
	supervisor, err := service.SupervisorFromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := supervisor.Close(); err != nil {
			slog.ErrorContext(ctx, "closing supervisor", "error", err)
		}
	}()

	rs, err := f(ctx, supervisor)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resultsOutput{
		Path:     rs.Path,
		Modified: rs.Modified,
		Summary:  rs.Summary,
		Results:  json.RawMessage(rs.Data),
	})
}

func initDftsup(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("DFTSUPCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "dftsup.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(context.Background())
		configPath = filepath.Join(userConfigPath, "dftsup.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// flags and DFTSUP_* environment variables have a precedence over config file
	if err := applyOverrides(cmd, &config); err != nil {
		return err
	}

	// initialize logging
	w, closer, err := log.Open(config.Supervisor.LogSink())
	if err != nil {
		return err
	}
	closeLog = closer
	slog.SetDefault(log.New(w, config.Supervisor.IsVerbose()))

	slog.Debug("dftsup run", "configPath", configPath)
	slog.Debug("dftsup run", "config", config)
	return nil
}

func applyOverrides(cmd *cobra.Command, cfg *model.Config) error {
	v := viper.New()
	v.SetEnvPrefix("DFTSUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	flags := cmd.Flags()
	for key, flag := range map[string]string{
		"server.listen":          "listen",
		"supervisor.verbose":     "verbose",
		"supervisor.busy_policy": "busy-policy",
	} {
		if f := flags.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("binding --%s: %w", flag, err)
			}
		}
	}

	if v.IsSet("server.listen") {
		if listen := v.GetString("server.listen"); listen != "" {
			cfg.Server.Listen = listen
		}
	}
	if v.IsSet("supervisor.verbose") {
		verbose := v.GetBool("supervisor.verbose")
		cfg.Supervisor.Verbose = &verbose
	}
	if v.IsSet("supervisor.busy_policy") {
		switch policy := v.GetString("supervisor.busy_policy"); policy {
		case "":
		case model.BusyPolicyPreempt, model.BusyPolicyReject:
			cfg.Supervisor.BusyPolicy = policy
		default:
			return fmt.Errorf("busy policy %q: possible values (%s,%s)", policy, model.BusyPolicyPreempt, model.BusyPolicyReject)
		}
	}
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
