// Package cli implements the tally command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-tally/internal/logging"
	"github.com/mirkobrombin/go-tally/v1/config"
	"github.com/mirkobrombin/go-tally/v1/presets"
	"github.com/mirkobrombin/go-tally/v1/registry"
)

const Version = "0.1.0"

// Wrap is the number of characters to wrap the help text at.
const Wrap = 50

// app holds the state shared by the subcommands of one invocation.
type app struct {
	v      *viper.Viper
	logger zerolog.Logger
	tally  *presets.Tally
	tp     *sdktrace.TracerProvider
}

func newApp() *app {
	return &app{v: config.New(), logger: zerolog.Nop()}
}

// Execute runs the tally command and returns the process exit code.
func Execute(ctx context.Context) int {
	a := newApp()
	err := a.command().ExecuteContext(ctx)
	a.close(context.WithoutCancel(ctx))
	if err != nil {
		return 1
	}
	return 0
}

func (a *app) command() *cobra.Command {
	root := &cobra.Command{
		Use:   "tally",
		Short: "atomic counters and distributed locks",
		Long: fmt.Sprintf(`tally (v%s)

Inspect and drive counters and locks stored in a shared
Redis, SQLite or PostgreSQL backend.`, Version),
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", WrapString("path of a YAML, JSON or TOML config file (default ./tally.yaml when present)"))
	flags.String("log-level", "info", WrapString("log level (debug, info, warn, error)"))
	flags.Bool("pretty", false, WrapString("human readable logs instead of JSON"))
	flags.String("store", config.DriverMemory, WrapString("store driver (memory, redis, sqlite, postgres)"))
	flags.String("redis-addr", "localhost:6379", WrapString("address of the Redis server"))
	flags.String("sqlite-dsn", "file:tally.db", WrapString("SQLite database path"))
	flags.String("postgres-dsn", "", WrapString("PostgreSQL connection string"))
	flags.String("bus", config.BusNone, WrapString("release bus (none, memory, redis, nats)"))
	flags.String("prefix", "tally", WrapString("namespace prepended to every key"))
	flags.Bool("trace", false, WrapString("print OpenTelemetry spans to stderr"))

	for key, flag := range map[string]string{
		"log_level":          "log-level",
		"store.driver":       "store",
		"store.redis.addr":   "redis-addr",
		"store.sqlite.dsn":   "sqlite-dsn",
		"store.postgres.dsn": "postgres-dsn",
		"bus.driver":         "bus",
		"prefix":             "prefix",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(
		a.counterCommands(),
		a.lockCommands(),
		a.benchCommand(),
		a.metricsCommand(),
		versionCommand(),
	)
	return root
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of tally",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tally v%s\n", Version)
		},
	}
}

// setup loads .env files and the config file and builds the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		a.v.SetConfigFile(path)
	} else {
		a.v.SetConfigName("tally")
		a.v.AddConfigPath(".")
	}
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	level := a.v.GetString("log_level")
	if pretty, _ := cmd.Flags().GetBool("pretty"); pretty {
		a.logger = logging.NewPrettyLogger(cmd.ErrOrStderr(), "tally", level)
	} else {
		a.logger = logging.NewLogger(cmd.ErrOrStderr(), "tally", level)
	}

	if trace, _ := cmd.Flags().GetBool("trace"); trace {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(cmd.ErrOrStderr()), stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("trace exporter: %w", err)
		}
		a.tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(a.tp)
	}
	return nil
}

// open connects to the configured store on first use.
func (a *app) open(cmd *cobra.Command) (*presets.Tally, error) {
	if a.tally != nil {
		return a.tally, nil
	}
	cfg, err := config.FromViper(a.v)
	if err != nil {
		return nil, err
	}
	var opts []registry.Option
	if a.tp != nil {
		opts = append(opts, registry.WithTracing())
	}
	t, err := presets.FromConfig(cmd.Context(), cfg, a.logger, opts...)
	if err != nil {
		return nil, err
	}
	a.tally = t
	return t, nil
}

func (a *app) close(ctx context.Context) {
	if a.tally != nil {
		if err := a.tally.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close")
		}
		a.tally = nil
	}
	if a.tp != nil {
		_ = a.tp.Shutdown(ctx)
		a.tp = nil
	}
}

// WrapString wraps text at Wrap characters.
func WrapString(text string) string {
	var lines []string
	var line strings.Builder
	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > Wrap {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}
