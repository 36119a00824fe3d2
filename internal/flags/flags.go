// Package flags manages command-line flags and environment variables for
// Dockmaster configuration.
package flags

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DockerAPIMinVersion specifies the minimum Docker API version required by
// Dockmaster. It ensures compatibility with the Docker client.
const DockerAPIMinVersion string = "1.44"

// defaultPingIntervalSeconds is the default websocket keepalive interval.
const defaultPingIntervalSeconds = 30

// defaultBuildRetention is how long finished build jobs stay queryable.
const defaultBuildRetention = 10 * time.Minute

// errInvalidLogFormat indicates an invalid log format was specified.
var errInvalidLogFormat = errors.New("invalid log format specified")

// errInvalidLogLevel indicates an invalid log level was specified.
var errInvalidLogLevel = errors.New("invalid log level specified")

// errSetEnvFailed indicates a failure to set an environment variable.
var errSetEnvFailed = errors.New("failed to set environment variable")

// errReadFileFailed indicates a failure to read a secret file's contents.
var errReadFileFailed = errors.New("failed to read secret file")

// errSetFlagFailed indicates a failure to read or set a flag's value.
var errSetFlagFailed = errors.New("failed to set flag value")

// errMissingJWTSecret indicates the gateway was started without a token
// verification secret.
var errMissingJWTSecret = errors.New("a JWT secret is required; set --jwt-secret or DOCKMASTER_JWT_SECRET")

// Config carries every operational setting read from flags and environment.
type Config struct {
	// Listen is the public gateway listen address.
	Listen string
	// InternalListen is the internal stream tier listen address.
	InternalListen string
	// Upstream is the websocket base URL the gateway bridges into.
	Upstream string
	// JWTSecret is the HMAC secret for bearer token verification.
	JWTSecret string
	// PingInterval is the websocket keepalive interval.
	PingInterval time.Duration
	// BuildRetention is how long finished build jobs are retained.
	BuildRetention time.Duration
	// DockerBinary overrides the docker executable used for builds.
	DockerBinary string
	// EnableMetrics controls the Prometheus scrape endpoint.
	EnableMetrics bool
}

// RegisterDockerFlags adds flags used directly by the Docker API client to
// the root command. These flags configure the Docker connection settings.
func RegisterDockerFlags(rootCmd *cobra.Command) {
	flags := rootCmd.PersistentFlags()
	flags.StringP("host", "H", envString("DOCKER_HOST"), "daemon socket to connect to")
	flags.BoolP("tlsverify", "v", envBool("DOCKER_TLS_VERIFY"), "use TLS and verify the remote")
	flags.StringP(
		"api-version",
		"a",
		envString("DOCKER_API_VERSION"),
		"api version to use by docker client",
	)
}

// RegisterSystemFlags adds the flags that shape Dockmaster's program flow to
// the root command.
func RegisterSystemFlags(rootCmd *cobra.Command) {
	flags := rootCmd.PersistentFlags()

	flags.StringP(
		"listen",
		"l",
		envString("DOCKMASTER_LISTEN"),
		"Public gateway listen address")

	flags.StringP(
		"internal-listen",
		"",
		envString("DOCKMASTER_INTERNAL_LISTEN"),
		"Internal stream tier listen address")

	flags.StringP(
		"upstream",
		"u",
		envString("DOCKMASTER_UPSTREAM"),
		"Websocket base URL of the internal stream tier")

	flags.StringP(
		"jwt-secret",
		"s",
		envString("DOCKMASTER_JWT_SECRET"),
		"HMAC secret used to verify bearer tokens, or a path to a file holding it")

	flags.DurationP(
		"ping-interval",
		"",
		envDuration("DOCKMASTER_PING_INTERVAL"),
		"Websocket keepalive interval")

	flags.DurationP(
		"build-retention",
		"",
		envDuration("DOCKMASTER_BUILD_RETENTION"),
		"How long finished build jobs stay queryable")

	flags.StringP(
		"docker-binary",
		"",
		envString("DOCKMASTER_DOCKER_BINARY"),
		"Docker executable used to run image builds")

	flags.BoolP(
		"metrics",
		"",
		envBool("DOCKMASTER_METRICS"),
		"Expose the Prometheus scrape endpoint on the internal listener")

	flags.StringP(
		"log-level",
		"",
		envString("DOCKMASTER_LOG_LEVEL"),
		"The maximum log level that will be written to STDERR. Possible values: panic, fatal, error, warn, info, debug or trace")

	flags.StringP(
		"log-format",
		"",
		envString("DOCKMASTER_LOG_FORMAT"),
		"Sets what logging format to use for console output. Possible values: Auto, LogFmt, Pretty or JSON")

	flags.BoolP(
		"no-color",
		"",
		envBool("NO_COLOR"),
		"Disable ANSI color escape codes in log output")
}

// SetDefaults configures default values for environment variables. It
// ensures consistent fallback behavior when flags or environment variables
// are unset.
func SetDefaults() {
	viper.AutomaticEnv()
	viper.SetDefault("DOCKER_HOST", "unix:///var/run/docker.sock")
	viper.SetDefault("DOCKER_API_VERSION", DockerAPIMinVersion)
	viper.SetDefault("DOCKMASTER_LISTEN", ":8080")
	viper.SetDefault("DOCKMASTER_INTERNAL_LISTEN", "127.0.0.1:8081")
	viper.SetDefault("DOCKMASTER_UPSTREAM", "ws://127.0.0.1:8081")
	viper.SetDefault("DOCKMASTER_PING_INTERVAL", time.Second*defaultPingIntervalSeconds)
	viper.SetDefault("DOCKMASTER_BUILD_RETENTION", defaultBuildRetention)
	viper.SetDefault("DOCKMASTER_DOCKER_BINARY", "docker")
	viper.SetDefault("DOCKMASTER_METRICS", true)
	viper.SetDefault("DOCKMASTER_LOG_LEVEL", "info")
	viper.SetDefault("DOCKMASTER_LOG_FORMAT", "auto")
}

// EnvConfig sets environment variables based on Docker-related flags so the
// Docker client picks them up via FromEnv.
func EnvConfig(cmd *cobra.Command) error {
	var err error

	var host string

	var tls bool

	var version string

	flags := cmd.PersistentFlags()

	if host, err = flags.GetString("host"); err != nil {
		return fmt.Errorf("%w: %w", errSetFlagFailed, err)
	}

	if tls, err = flags.GetBool("tlsverify"); err != nil {
		return fmt.Errorf("%w: %w", errSetFlagFailed, err)
	}

	if version, err = flags.GetString("api-version"); err != nil {
		return fmt.Errorf("%w: %w", errSetFlagFailed, err)
	}

	if err = setEnvOptStr("DOCKER_HOST", host); err != nil {
		return err
	}

	if err = setEnvOptBool("DOCKER_TLS_VERIFY", tls); err != nil {
		return err
	}

	if err = setEnvOptStr("DOCKER_API_VERSION", version); err != nil {
		return err
	}

	return nil
}

// ReadConfig retrieves the operational settings used in Dockmaster's main
// flow. A missing JWT secret is an error since the gateway cannot verify
// anything without one.
func ReadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.PersistentFlags()

	var cfg Config

	var err error

	if cfg.Listen, err = flags.GetString("listen"); err != nil {
		return cfg, fmt.Errorf("%w: %w", errSetFlagFailed, err)
	}

	if cfg.InternalListen, err = flags.GetString("internal-listen"); err != nil {
		return cfg, fmt.Errorf("%w: %w", errSetFlagFailed, err)
	}

	if cfg.Upstream, err = flags.GetString("upstream"); err != nil {
		return cfg, fmt.Errorf("%w: %w", errSetFlagFailed, err)
	}

	if cfg.JWTSecret, err = flags.GetString("jwt-secret"); err != nil {
		return cfg, fmt.Errorf("%w: %w", errSetFlagFailed, err)
	}

	if cfg.PingInterval, err = flags.GetDuration("ping-interval"); err != nil {
		return cfg, fmt.Errorf("%w: %w", errSetFlagFailed, err)
	}

	if cfg.BuildRetention, err = flags.GetDuration("build-retention"); err != nil {
		return cfg, fmt.Errorf("%w: %w", errSetFlagFailed, err)
	}

	if cfg.DockerBinary, err = flags.GetString("docker-binary"); err != nil {
		return cfg, fmt.Errorf("%w: %w", errSetFlagFailed, err)
	}

	if cfg.EnableMetrics, err = flags.GetBool("metrics"); err != nil {
		return cfg, fmt.Errorf("%w: %w", errSetFlagFailed, err)
	}

	if cfg.JWTSecret == "" {
		return cfg, errMissingJWTSecret
	}

	return cfg, nil
}

// GetSecretsFromFiles replaces secret flag values with file contents if they
// reference files. This lets deployments mount the JWT secret instead of
// passing it on the command line.
func GetSecretsFromFiles(rootCmd *cobra.Command) {
	flags := rootCmd.PersistentFlags()

	for _, secret := range []string{"jwt-secret"} {
		if err := getSecretFromFile(flags, secret); err != nil {
			logrus.Fatalf("failed to get secret from flag %v: %s", secret, err)
		}
	}
}

// getSecretFromFile updates a flag's value with file contents if it
// references a file.
func getSecretFromFile(flags *pflag.FlagSet, secret string) error {
	flag := flags.Lookup(secret)
	if flag == nil {
		return nil
	}

	value := flag.Value.String()
	if value == "" || !isFilePath(value) {
		return nil
	}

	content, err := os.ReadFile(value)
	if err != nil {
		return fmt.Errorf("%w: %w", errReadFileFailed, err)
	}

	if err := flags.Set(secret, strings.TrimSpace(string(content))); err != nil {
		return fmt.Errorf("%w: %w", errSetFlagFailed, err)
	}

	return nil
}

// isFilePath determines if a string likely represents a file path. It checks
// for file existence, avoiding false positives from opaque secret strings.
func isFilePath(path string) bool {
	firstColon := strings.IndexRune(path, ':')
	if firstColon != 1 && firstColon != -1 {
		// A ':' that is not a Windows drive separator means this is not
		// a file path.
		return false
	}

	_, err := os.Stat(path)

	return err == nil
}

// SetupLogging configures logrus from the log-level, log-format and no-color
// flags.
func SetupLogging(flags *pflag.FlagSet) error {
	logFormat, err := flags.GetString("log-format")
	if err != nil {
		return fmt.Errorf("%w: %w", errSetFlagFailed, err)
	}

	noColor, err := flags.GetBool("no-color")
	if err != nil {
		return fmt.Errorf("%w: %w", errSetFlagFailed, err)
	}

	if err := configureLogFormat(logFormat, noColor); err != nil {
		return err
	}

	rawLogLevel, err := flags.GetString("log-level")
	if err != nil {
		return fmt.Errorf("%w: %w", errSetFlagFailed, err)
	}

	logLevel, err := logrus.ParseLevel(rawLogLevel)
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidLogLevel, err)
	}

	logrus.SetLevel(logLevel)

	return nil
}

// configureLogFormat sets the logrus formatter based on the specified format
// and color preference. It returns an error if the format is invalid.
func configureLogFormat(logFormat string, noColor bool) error {
	switch strings.ToLower(logFormat) {
	case "auto":
		logrus.SetFormatter(&logrus.TextFormatter{
			DisableColors:             noColor,
			EnvironmentOverrideColors: true,
		})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "logfmt":
		logrus.SetFormatter(&logrus.TextFormatter{
			DisableColors: true,
			FullTimestamp: true,
		})
	case "pretty":
		logrus.SetFormatter(&logrus.TextFormatter{
			ForceColors:   !noColor,
			FullTimestamp: false,
		})
	default:
		return fmt.Errorf("%w: %s", errInvalidLogFormat, logFormat)
	}

	return nil
}

// envString retrieves a string value from an environment variable via Viper.
func envString(key string) string {
	viper.MustBindEnv(key)

	return viper.GetString(key)
}

// envBool retrieves a boolean value from an environment variable via Viper.
func envBool(key string) bool {
	viper.MustBindEnv(key)

	return viper.GetBool(key)
}

// envDuration retrieves a duration value from an environment variable via
// Viper.
func envDuration(key string) time.Duration {
	viper.MustBindEnv(key)

	return viper.GetDuration(key)
}

// setEnvOptStr sets an environment variable to a specified string value if
// needed. It skips setting if the value is empty or matches the current
// environment.
func setEnvOptStr(env string, opt string) error {
	if opt == "" || opt == os.Getenv(env) {
		return nil
	}

	if err := os.Setenv(env, opt); err != nil {
		return fmt.Errorf("%w: %s: %w", errSetEnvFailed, env, err)
	}

	return nil
}

// setEnvOptBool sets an environment variable to "1" if the boolean is true.
func setEnvOptBool(env string, opt bool) error {
	if opt {
		return setEnvOptStr(env, "1")
	}

	return nil
}
