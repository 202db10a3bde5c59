package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/janrain/datalib/pkg/capture"
	"github.com/janrain/datalib/pkg/logging"
	"github.com/janrain/datalib/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix prefixes the environment variable of every flag, e.g.
// CAPTURE_APP_URL for --app-url.
const envPrefix = "CAPTURE"

// app holds the global flag values and what is built from them.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	appURL       string
	clientID     string
	clientSecret string
	redisAddr    string
	rateLimit    float64
	timeout      time.Duration
	logLevel     string
	pretty       bool
	metricsAddr  string
	configFile   string

	logger        zerolog.Logger
	metricsServer *http.Server
}

// NewRootCommand builds the datalib command tree.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}

	rc := &cobra.Command{
		Use:   "datalib",
		Short: "Bulk import and export of Capture records.",
		Long: `datalib moves records in and out of a Capture application.

Every flag can also be set through the environment (CAPTURE_ prefix,
dashes as underscores, e.g. CAPTURE_CLIENT_SECRET) or a config file
given with --config. Flags win over the environment, which wins over
the file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setAllConfig(viper.New(), cmd.Flags()); err != nil {
				return err
			}
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.shutdown()
		},
	}

	flags := rc.PersistentFlags()
	flags.StringVar(&a.appURL, "app-url", "", "Capture application URL, e.g. https://myapp.janraincapture.com")
	flags.StringVar(&a.clientID, "client-id", "", "API client id")
	flags.StringVar(&a.clientSecret, "client-secret", "", "API client secret")
	flags.StringVar(&a.redisAddr, "redis-addr", "", "Redis address for the app cache and shared rate limit state (optional)")
	flags.Float64Var(&a.rateLimit, "rate-limit", 0, "Maximum API calls per second, 0 for no limit")
	flags.DurationVar(&a.timeout, "timeout", 10*time.Second, "Timeout of the first attempt of a call; retries get longer")
	flags.StringVar(&a.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	flags.BoolVar(&a.pretty, "pretty", false, "Human readable logs instead of JSON")
	flags.StringVar(&a.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running, e.g. :9090")
	flags.StringVarP(&a.configFile, "config", "c", "", "Configuration file (yaml, json or toml)")

	rc.AddCommand(newImportCommand(a))
	rc.AddCommand(newExportCommand(a))
	rc.AddCommand(newCountCommand(a))
	rc.AddCommand(newSchemasCommand(a))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// setAllConfig applies configuration to flags in priority order: command
// line, environment, config file. Environment variables are the flag
// names upper-cased with dashes replaced by underscores, after envPrefix.
func setAllConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if c := v.GetString("config"); c != "" {
		v.SetConfigFile(c)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read configuration file '%s': %w", c, err)
		}

		validKeys := make(map[string]bool)
		flags.VisitAll(func(f *pflag.Flag) {
			validKeys[f.Name] = true
		})
		for _, key := range v.AllKeys() {
			if !validKeys[key] {
				return fmt.Errorf("invalid option in configuration file: %v", key)
			}
		}
	}

	var flagErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			return
		}
		var value string
		if f.Value.Type() == "stringSlice" {
			value = strings.Join(v.GetStringSlice(f.Name), ",")
		} else {
			value = v.GetString(f.Name)
		}
		if value == "" && f.Value.String() == "[]" {
			return
		}
		if err := f.Value.Set(value); err != nil {
			flagErr = fmt.Errorf("invalid value for %s: %w", f.Name, err)
		}
	})
	return flagErr
}

// setup configures logging and starts the metrics server.
func (a *app) setup() error {
	level, err := logging.ParseLevel(a.logLevel)
	if err != nil {
		return err
	}
	logging.Setup(logging.Config{Level: level, Pretty: a.pretty, Output: a.stderr})
	a.logger = logging.NewLogger("cli")

	if a.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", healthHandler)

		a.metricsServer = &http.Server{Addr: a.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error().Err(err).Str("addr", a.metricsAddr).Msg("Metrics server failed")
			}
		}()
		a.logger.Info().Str("addr", a.metricsAddr).Msg("Serving metrics")
	}
	return nil
}

func (a *app) shutdown() error {
	if a.metricsServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.logger.Info().Msg("Stopping metrics server")
	return a.metricsServer.Shutdown(ctx)
}

// newClient builds the Capture client from the flags. The returned
// function releases it.
func (a *app) newClient(ctx context.Context) (*capture.Client, func(), error) {
	if a.appURL == "" || a.clientID == "" || a.clientSecret == "" {
		return nil, nil, errors.New("--app-url, --client-id and --client-secret are required")
	}

	cfg := capture.DefaultConfig(a.appURL, a.clientID, a.clientSecret)
	cfg.RateLimit = a.rateLimit
	cfg.Timeout = a.timeout

	var redisClient *redis.Client
	if a.redisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: a.redisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", a.redisAddr, err)
		}
		a.logger.Debug().Str("addr", a.redisAddr).Msg("Connected to Redis")
		cfg.Redis = redisClient
	}

	client, err := capture.New(cfg)
	if err != nil {
		if redisClient != nil {
			redisClient.Close()
		}
		return nil, nil, err
	}

	release := func() {
		client.Close()
		if redisClient != nil {
			redisClient.Close()
		}
	}
	return client, release, nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}
