// Package flags holds the command line flags shared by the signing agent binaries.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/nostr-signing-agent/api"
	"github.com/ruteri/nostr-signing-agent/common"
	"github.com/urfave/cli/v2"
)

func envVar(name string) []string {
	return []string{"SIGNER_" + name}
}

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfigureServer builds the HTTP server configuration from the shared and
// server flags.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *api.HTTPServerConfig {
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &api.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		ControlSecret:            []byte(cCtx.String(ControlSecretFlag.Name)),
		RateLimit:                cCtx.Float64(RateLimitFlag.Name),
		RateBurst:                cCtx.Int(RateBurstFlag.Name),
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		// Caller requests wait for the user to answer a prompt.
		WriteTimeout: 10 * time.Minute,
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8080",
	Usage:   "address to listen on for API",
	EnvVars: envVar("LISTEN_ADDR"),
}

// ControlSecretFlag is shared by signerd, which verifies control tokens, and
// signerctl, which mints them.
var ControlSecretFlag = &cli.StringFlag{
	Name:    "control-secret",
	Usage:   "HS256 secret for control API tokens; when empty the control API only serves loopback",
	EnvVars: envVar("CONTROL_SECRET"),
}

var RateLimitFlag = &cli.Float64Flag{
	Name:    "rate-limit",
	Value:   5,
	Usage:   "sustained requests per second allowed per caller host, 0 disables",
	EnvVars: envVar("RATE_LIMIT"),
}

var RateBurstFlag = &cli.IntFlag{
	Name:    "rate-burst",
	Value:   20,
	Usage:   "request burst allowed per caller host",
	EnvVars: envVar("RATE_BURST"),
}

var LogJsonFlag = &cli.BoolFlag{
	Name:    "log-json",
	Value:   false,
	Usage:   "log in JSON format",
	EnvVars: envVar("LOG_JSON"),
}
var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	Value:   false,
	Usage:   "log debug messages",
	EnvVars: envVar("LOG_DEBUG"),
}
var LogUidFlag = &cli.BoolFlag{
	Name:    "log-uid",
	Value:   false,
	Usage:   "generate a uuid and add to all log messages",
	EnvVars: envVar("LOG_UID"),
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "log-service",
		Value:   service,
		Usage:   "add 'service' tag to logs",
		EnvVars: envVar("LOG_SERVICE"),
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:    "pprof",
	Value:   false,
	Usage:   "enable pprof debug endpoint",
	EnvVars: envVar("PPROF"),
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:    "drain-seconds",
	Value:   0,
	Usage:   "seconds to stay not-ready before shutting down",
	EnvVars: envVar("DRAIN_SECONDS"),
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:    "metrics-addr",
	Value:   "127.0.0.1:8090",
	Usage:   "address to listen on for Prometheus metrics, empty disables",
	EnvVars: envVar("METRICS_ADDR"),
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
