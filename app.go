// Copyright (c) 2023 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package staticd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/z5labs/staticd/accesslog"
	"github.com/z5labs/staticd/config"
	"github.com/z5labs/staticd/control"
	"github.com/z5labs/staticd/filestore"
	"github.com/z5labs/staticd/internal/logging"
	"github.com/z5labs/staticd/internal/tracing"
	"github.com/z5labs/staticd/internal/try"
	"github.com/z5labs/staticd/server"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// Runtime is anything the App runs until shutdown.
type Runtime interface {
	Run(context.Context) error
}

// Option configures an App.
type Option func(*App)

// Name sets the program name shown in the usage line.
//
// Default name is "staticd".
func Name(name string) Option {
	return func(a *App) {
		a.name = name
	}
}

// Stdin sets the control stream operators type "exit" or "quit" into.
func Stdin(r io.Reader) Option {
	return func(a *App) {
		a.stdin = r
	}
}

// Stdout sets where trace spans go when the stdout exporter is selected.
func Stdout(w io.Writer) Option {
	return func(a *App) {
		a.stdout = w
	}
}

// Stderr sets where operational logs and usage errors are written.
func Stderr(w io.Writer) Option {
	return func(a *App) {
		a.stderr = w
	}
}

// Config registers a YAML config source. Sources are merged in order after
// the --config file, later values overriding earlier ones.
func Config(r io.Reader) Option {
	return func(a *App) {
		a.cfgSrcs = append(a.cfgSrcs, r)
	}
}

// App wires the configuration, logging, tracing and access log together and
// runs the file server alongside the operator control monitor.
type App struct {
	name    string
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	cfgSrcs []io.Reader
}

// New returns a fully initialized App.
func New(opts ...Option) *App {
	app := &App{
		name:   "staticd",
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	for _, opt := range opts {
		opt(app)
	}
	return app
}

// UsageError is returned when the command line is malformed. Nothing has
// been started when it is returned.
type UsageError struct {
	Cause error
}

// Error implements the error interface.
func (e UsageError) Error() string {
	return fmt.Sprintf("invalid usage: %s", e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e UsageError) Unwrap() error {
	return e.Cause
}

// Run executes the application with the given command line arguments,
// excluding the program name. It returns once the operator asks for a
// shutdown, an interrupt or termination signal is received, or startup
// fails.
func (app *App) Run(args ...string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return app.run(ctx, args)
}

func (app *App) run(ctx context.Context, args []string) error {
	if args == nil {
		// cobra falls back to os.Args for nil
		args = []string{}
	}

	cmd := buildCmd(app)
	cmd.SetArgs(args)
	cmd.SetIn(app.stdin)
	cmd.SetOut(app.stdout)
	cmd.SetErr(app.stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}

	var uerr UsageError
	if errors.As(err, &uerr) {
		fmt.Fprintf(app.stderr, "Usage: %s <port_number>\n", app.name)
		return err
	}
	fmt.Fprintf(app.stderr, "%s: %s\n", app.name, err)
	return err
}

type lifecycle struct {
	postRunHooks []func(context.Context) error
}

func (l *lifecycle) PostRun(hooks ...func(context.Context) error) {
	l.postRunHooks = append(l.postRunHooks, hooks...)
}

// shutdown runs the post run hooks in reverse order of registration, at
// most once.
func (l *lifecycle) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var errs []error
	for i := len(l.postRunHooks) - 1; i >= 0; i-- {
		err := l.postRunHooks[i](ctx)
		if err != nil {
			errs = append(errs, err)
		}
	}
	l.postRunHooks = nil
	return errors.Join(errs...)
}

func parsePort(arg string) (int, error) {
	port, err := strconv.Atoi(arg)
	if err != nil {
		return 0, UsageError{Cause: fmt.Errorf("port must be a number: %q", arg)}
	}
	if port < 1 || port > 65535 {
		return 0, UsageError{Cause: config.InvalidPortError{Port: port}}
	}
	return port, nil
}

func buildCmd(app *App) *cobra.Command {
	v := config.New()

	var (
		port    int
		cfgFile string
		life    lifecycle
		rs      []Runtime
	)

	cmd := &cobra.Command{
		Use:           app.name + " <port_number>",
		Short:         "Serve static files over HTTP/1.1",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args: func(cmd *cobra.Command, args []string) (err error) {
			if len(args) != 1 {
				return UsageError{Cause: fmt.Errorf("expected exactly 1 argument but got %d", len(args))}
			}
			port, err = parsePort(args[0])
			return err
		},
		PreRunE: func(cmd *cobra.Command, args []string) (err error) {
			defer func() {
				if err != nil {
					err = errors.Join(err, life.shutdown(cmd.Context()))
				}
			}()
			defer try.Recover(&err)

			cfg, err := readConfig(v, cfgFile, app.cfgSrcs, port)
			if err != nil {
				return err
			}

			rs, err = app.build(cmd.Context(), cfg, &life)
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			defer func() {
				if err != nil {
					err = errors.Join(err, life.shutdown(cmd.Context()))
				}
			}()
			defer try.Recover(&err)

			g, gctx := errgroup.WithContext(cmd.Context())
			for _, rt := range rs {
				rt := rt
				g.Go(func() (e error) {
					defer try.Recover(&e)
					return rt.Run(gctx)
				})
			}
			err = g.Wait()

			var serr control.ShutdownRequestedError
			if errors.As(err, &serr) {
				return nil
			}
			return err
		},
		PostRunE: func(cmd *cobra.Command, args []string) error {
			return life.shutdown(cmd.Context())
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return UsageError{Cause: err}
	})

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "YAML config file")
	flags.String("root", ".", "directory files are served from")
	flags.String("host", "127.0.0.1", "address to listen on")
	flags.Int("max-conns", 0, "maximum connections served at once, 0 for no limit")
	flags.Duration("drain-timeout", 5*time.Second, "time in-flight connections get to finish on shutdown")
	flags.String("log-file", "server.log", "request log file, empty to disable")
	flags.String("log-level", "info", "operational log level")

	bindFlags(v, flags, map[string]string{
		"root":          config.KeyServerRoot,
		"host":          config.KeyServerHost,
		"max-conns":     config.KeyServerMaxConns,
		"drain-timeout": config.KeyServerDrainTimeout,
		"log-file":      config.KeyLogFile,
		"log-level":     config.KeyLogLevel,
	})
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		err := v.BindPFlag(key, flags.Lookup(name))
		if err != nil {
			panic(err)
		}
	}
}

func readConfig(v *viper.Viper, cfgFile string, srcs []io.Reader, port int) (config.Config, error) {
	err := config.ReadFile(v, cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	for _, src := range srcs {
		err = config.Merge(v, src)
		if err != nil {
			return config.Config{}, err
		}
	}

	// the command line argument wins over every other source
	v.Set(config.KeyServerPort, port)
	return config.Unmarshal(v)
}

// build creates the runtimes and registers the cleanup of everything they
// share with life.
func (app *App) build(ctx context.Context, cfg config.Config, life *lifecycle) ([]Runtime, error) {
	logHandler, err := logging.NewTextHandler(app.stderr, cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	log := slog.New(logHandler)

	tp, err := tracing.New(ctx, tracing.Config{
		Exporter:    cfg.OTel.Exporter,
		ServiceName: cfg.OTel.ServiceName,
		Target:      cfg.OTel.Target,
		Out:         app.stdout,
	})
	if err != nil {
		return nil, err
	}
	tracing.Install(tp)
	life.PostRun(tp.Shutdown)

	var rec accesslog.Recorder = accesslog.Nop{}
	if cfg.Log.File != "" {
		al, err := accesslog.Open(cfg.Log.File)
		if err != nil {
			return nil, err
		}
		rec = al
		life.PostRun(func(context.Context) (err error) {
			defer try.Close(&err, al)
			return nil
		})
	}

	store, err := filestore.NewOS(cfg.Server.Root)
	if err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "serving files", slog.String("root", cfg.Server.Root))

	srv := server.NewRuntime(
		store,
		server.ListenOnHost(cfg.Server.Host),
		server.ListenOnPort(uint(cfg.Server.Port)),
		server.LogHandler(logHandler),
		server.Recorder(rec),
		server.MaxConcurrentConns(uint(cfg.Server.MaxConns)),
		server.MaxRequestBytes(cfg.Server.MaxRequestBytes),
		server.ReadTimeout(cfg.Server.ReadTimeout),
		server.WriteTimeout(cfg.Server.WriteTimeout),
		server.DrainTimeout(cfg.Server.DrainTimeout),
	)
	mon := control.NewMonitor(
		app.stdin,
		control.LogHandler(logHandler),
		control.Recorder(rec),
	)
	return []Runtime{srv, mon}, nil
}
