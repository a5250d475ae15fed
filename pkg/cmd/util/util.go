package util

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // profiling only on demand
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/pgx-contrib/pgxtrace"
	otlpruntime "go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/mpapenbr/sprint-relay/log"
	"github.com/mpapenbr/sprint-relay/pkg/config"
	"github.com/mpapenbr/sprint-relay/pkg/db/postgres"
	"github.com/mpapenbr/sprint-relay/pkg/utils"
	"github.com/mpapenbr/sprint-relay/version"
)

// Services selects the services a command waits for
type Services struct {
	DB   bool
	Nats bool
}

// Env holds what SetupEnv created. Call Close when done.
type Env struct {
	Logger    *log.Logger
	SQLLogger *log.Logger
	Telemetry *config.Telemetry
	Pool      *pgxpool.Pool
	Nats      *nats.Conn
}

func (e *Env) Close() {
	if e.Nats != nil {
		if err := e.Nats.Drain(); err != nil {
			e.Logger.Warn("could not drain nats connection", log.ErrorField(err))
		}
	}
	if e.Pool != nil {
		e.Pool.Close()
	}
	if e.Telemetry != nil {
		e.Telemetry.Shutdown()
	}
	//nolint:errcheck // nothing left to report to
	e.Logger.Sync()
}

func parseLogLevel(l string, defaultVal log.Level) log.Level {
	level, err := log.ParseLevel(l)
	if err != nil {
		return defaultVal
	}
	return level
}

// SetupLoggers creates the application and sql loggers according to config
// and installs the application logger as default.
func SetupLoggers() (logger, sqlLogger *log.Logger) {
	switch config.LogFormat {
	case "json":
		logger = log.New(
			os.Stderr,
			parseLogLevel(config.LogLevel, log.InfoLevel),
			log.WithCaller(true),
			log.AddCallerSkip(1))
		sqlLogger = log.New(
			os.Stderr,
			parseLogLevel(config.SQLLogLevel, log.InfoLevel),
			log.WithCaller(true),
			log.AddCallerSkip(1))
	default:
		logger = log.DevLogger(
			os.Stderr,
			parseLogLevel(config.LogLevel, log.DebugLevel),
			log.WithCaller(true),
			log.AddCallerSkip(1))
		sqlLogger = log.DevLogger(
			os.Stderr,
			parseLogLevel(config.SQLLogLevel, log.InfoLevel),
			log.WithCaller(true),
			log.AddCallerSkip(1))
	}
	log.ResetDefault(logger)
	return logger, sqlLogger
}

// SetupEnv prepares logging, telemetry and the connections to the required
// services.
//
//nolint:funlen // by design
func SetupEnv(ctx context.Context, name string, services Services) (*Env, error) {
	ret := &Env{}
	ret.Logger, ret.SQLLogger = SetupLoggers()
	log.Debug("Config:",
		log.String("command", name),
		log.String("db", config.DB),
		log.String("nats", config.NatsURL),
	)
	startProfiling()
	if err := waitForRequiredServices(services); err != nil {
		return nil, err
	}

	pgTracer := pgxtrace.CompositeQueryTracer{
		postgres.NewMyTracer(ret.SQLLogger, log.DebugLevel),
	}
	if config.EnableTelemetry {
		ret.Logger.Info("Enabling telemetry")
		var err error
		if ret.Telemetry, err = config.SetupTelemetry(ctx); err == nil {
			pgTracer = append(pgTracer, postgres.NewOtlpTracer())
		} else {
			ret.Logger.Warn("Could not setup telemetry", log.ErrorField(err))
		}
		err = otlpruntime.Start(otlpruntime.WithMinimumReadMemStatsInterval(time.Second))
		if err != nil {
			ret.Logger.Warn("Could not start runtime metrics", log.ErrorField(err))
		}
	}

	if services.DB {
		pool, err := postgres.InitWithURL(config.DB,
			postgres.WithTracer(pgTracer),
			postgres.WithMaxConns(config.DBMaxConns))
		if err != nil {
			ret.Close()
			return nil, err
		}
		ret.Pool = pool
	}
	if services.Nats {
		nc, err := nats.Connect(config.NatsURL,
			nats.Name(fmt.Sprintf("sprint-relay %s %s", name, version.Version)),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					ret.Logger.Warn("nats disconnected", log.ErrorField(err))
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				ret.Logger.Info("nats reconnected", log.String("url", c.ConnectedUrl()))
			}),
		)
		if err != nil {
			ret.Close()
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		ret.Nats = nc
	}
	return ret, nil
}

func startProfiling() {
	if config.ProfilingPort <= 0 {
		return
	}
	log.Info("Starting profiling server on port", log.Int("port", config.ProfilingPort))
	go func() {
		//nolint:gosec // local only
		err := http.ListenAndServe(
			fmt.Sprintf("localhost:%d", config.ProfilingPort),
			nil)
		if err != nil {
			log.Error("Profiling server stopped", log.ErrorField(err))
		}
	}()
}

func waitForRequiredServices(services Services) error {
	timeout, err := time.ParseDuration(config.WaitForServices)
	if err != nil {
		log.Warn("Invalid duration value. Setting default 60s", log.ErrorField(err))
		timeout = 60 * time.Second
	}

	var mu sync.Mutex
	var errs []error
	wg := sync.WaitGroup{}
	checkTCP := func(addr string) {
		defer wg.Done()
		if err := utils.WaitForTCP(addr, timeout); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}
	if services.DB {
		if postgresAddr := utils.ExtractFromDBURL(config.DB); postgresAddr != "" {
			wg.Add(1)
			go checkTCP(postgresAddr)
		}
	}
	if services.Nats {
		if natsAddr := utils.ExtractFromNatsURL(config.NatsURL); natsAddr != "" {
			wg.Add(1)
			go checkTCP(natsAddr)
		}
	}
	log.Debug("Waiting for connection checks to return")
	wg.Wait()
	if len(errs) > 0 {
		return fmt.Errorf("required services not ready: %w", errors.Join(errs...))
	}
	log.Debug("Required services are available")
	return nil
}
