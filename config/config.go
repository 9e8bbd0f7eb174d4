// Copyright (c) 2023 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package config loads the server configuration from defaults, an optional
// YAML file, STATICD_ prefixed environment variables and command line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/z5labs/staticd/internal/logging"
	"github.com/z5labs/staticd/internal/tracing"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Keys understood by Unmarshal.
const (
	KeyServerHost            = "server.host"
	KeyServerPort            = "server.port"
	KeyServerRoot            = "server.root"
	KeyServerMaxConns        = "server.maxConns"
	KeyServerMaxRequestBytes = "server.maxRequestBytes"
	KeyServerReadTimeout     = "server.readTimeout"
	KeyServerWriteTimeout    = "server.writeTimeout"
	KeyServerDrainTimeout    = "server.drainTimeout"
	KeyLogFile               = "log.file"
	KeyLogLevel              = "log.level"
	KeyOTelExporter          = "otel.exporter"
	KeyOTelServiceName       = "otel.serviceName"
	KeyOTelTarget            = "otel.target"
)

// EnvPrefix is prepended to every environment variable, e.g.
// STATICD_SERVER_ROOT sets server.root.
const EnvPrefix = "STATICD"

// MinRequestBytes is the smallest accepted server.maxRequestBytes.
const MinRequestBytes = 16

// Server configures the listening socket and connection handling.
type Server struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Root            string        `mapstructure:"root"`
	MaxConns        int           `mapstructure:"maxConns"`
	MaxRequestBytes int           `mapstructure:"maxRequestBytes"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	DrainTimeout    time.Duration `mapstructure:"drainTimeout"`
}

// Log configures the request log file and operational log level.
type Log struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// OTel configures trace export.
type OTel struct {
	Exporter    string `mapstructure:"exporter"`
	ServiceName string `mapstructure:"serviceName"`
	Target      string `mapstructure:"target"`
}

// Config is the complete configuration.
type Config struct {
	Server Server `mapstructure:"server"`
	Log    Log    `mapstructure:"log"`
	OTel   OTel   `mapstructure:"otel"`
}

var defaults = map[string]any{
	KeyServerHost:            "127.0.0.1",
	KeyServerPort:            0,
	KeyServerRoot:            ".",
	KeyServerMaxConns:        0,
	KeyServerMaxRequestBytes: 8192,
	KeyServerReadTimeout:     time.Duration(0),
	KeyServerWriteTimeout:    time.Duration(0),
	KeyServerDrainTimeout:    5 * time.Second,
	KeyLogFile:               "server.log",
	KeyLogLevel:              "info",
	KeyOTelExporter:          tracing.ExporterNone,
	KeyOTelServiceName:       "staticd",
	KeyOTelTarget:            "",
}

// New returns a viper instance with every key defaulted and bound to its
// environment variable.
func New() *viper.Viper {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadError is returned when a config source could not be read or parsed.
type ReadError struct {
	Path  string
	Cause error
}

// Error implements the error interface.
func (e ReadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("failed to read config: %s", e.Cause)
	}
	return fmt.Sprintf("failed to read config file %s: %s", e.Path, e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e ReadError) Unwrap() error {
	return e.Cause
}

// ReadFile merges the YAML file at path into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ReadError{Path: path, Cause: err}
	}
	err = Merge(v, bytes.NewReader(b))
	if err != nil {
		var rerr ReadError
		if errors.As(err, &rerr) {
			rerr.Path = path
			return rerr
		}
		return err
	}
	return nil
}

// Merge merges YAML read from r into v. Values from r override values
// merged before it.
func Merge(v *viper.Viper, r io.Reader) error {
	v.SetConfigType("yaml")
	err := v.MergeConfig(r)
	if err != nil {
		return ReadError{Cause: err}
	}
	return nil
}

// UnmarshalError is returned when config values could not be decoded into
// a Config.
type UnmarshalError struct {
	Cause error
}

// Error implements the error interface.
func (e UnmarshalError) Error() string {
	return fmt.Sprintf("failed to decode config: %s", e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e UnmarshalError) Unwrap() error {
	return e.Cause
}

// Unmarshal decodes v into a Config and validates it.
//
// Durations may be given as Go duration strings ("250ms") or as plain
// integers, in YAML or the environment, which are read as seconds.
func Unmarshal(v *viper.Viper) (Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	)))
	if err != nil {
		return Config{}, UnmarshalError{Cause: err}
	}

	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func durationHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != reflect.TypeOf(time.Duration(0)) || f == t {
			return data, nil
		}

		switch f.Kind() {
		case reflect.String:
			n, err := strconv.ParseInt(data.(string), 10, 64)
			if err != nil {
				return data, nil
			}
			return time.Duration(n) * time.Second, nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return time.Duration(reflect.ValueOf(data).Uint()) * time.Second, nil
		default:
			return data, nil
		}
	}
}

// InvalidPortError is returned for a port outside of 1 to 65535.
type InvalidPortError struct {
	Port int
}

// Error implements the error interface.
func (e InvalidPortError) Error() string {
	return fmt.Sprintf("invalid port: %d", e.Port)
}

// InvalidValueError is returned when a config value is out of range.
type InvalidValueError struct {
	Key    string
	Value  any
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e InvalidValueError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid value for %s: %v: %s", e.Key, e.Value, e.Cause)
	}
	return fmt.Sprintf("invalid value for %s: %v: %s", e.Key, e.Value, e.Reason)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e InvalidValueError) Unwrap() error {
	return e.Cause
}

// Validate reports the first invalid value in cfg.
func (cfg Config) Validate() error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return InvalidPortError{Port: cfg.Server.Port}
	}
	if cfg.Server.MaxConns < 0 {
		return InvalidValueError{
			Key:    KeyServerMaxConns,
			Value:  cfg.Server.MaxConns,
			Reason: "must not be negative",
		}
	}
	if cfg.Server.MaxRequestBytes < MinRequestBytes {
		return InvalidValueError{
			Key:    KeyServerMaxRequestBytes,
			Value:  cfg.Server.MaxRequestBytes,
			Reason: fmt.Sprintf("must be at least %d", MinRequestBytes),
		}
	}
	for key, d := range map[string]time.Duration{
		KeyServerReadTimeout:  cfg.Server.ReadTimeout,
		KeyServerWriteTimeout: cfg.Server.WriteTimeout,
		KeyServerDrainTimeout: cfg.Server.DrainTimeout,
	} {
		if d < 0 {
			return InvalidValueError{Key: key, Value: d, Reason: "must not be negative"}
		}
	}

	_, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return InvalidValueError{Key: KeyLogLevel, Value: cfg.Log.Level, Cause: err}
	}

	switch cfg.OTel.Exporter {
	case tracing.ExporterNone, tracing.ExporterStdout:
	case tracing.ExporterOTLP:
		if cfg.OTel.Target == "" {
			return InvalidValueError{
				Key:    KeyOTelTarget,
				Value:  cfg.OTel.Target,
				Reason: "required by the otlp exporter",
			}
		}
	default:
		return InvalidValueError{
			Key:   KeyOTelExporter,
			Value: cfg.OTel.Exporter,
			Cause: tracing.UnknownExporterError{Exporter: cfg.OTel.Exporter},
		}
	}
	return nil
}
