// Package config loads runtime settings from the environment, optional .env
// files and command-line flags through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Keys double as environment variable names once upper-cased.
const (
	KeyConnectionsTable = "connections_table"
	KeyJWTSecret        = "jwt_secret"
	KeyConnectionTTL    = "connection_ttl"
	KeyTokenExpiry      = "token_expiry"
	KeyAddr             = "addr"
	KeyWSURL            = "ws_url"
	KeyLogLevel         = "log_level"
)

const (
	DefaultConnectionTTL = 2 * time.Hour
	DefaultTokenExpiry   = 24 * time.Hour
	DefaultAddr          = ":8080"
	DefaultWSURL         = "ws://localhost:8080/ws"
	DefaultLogLevel      = "info"
)

var ErrMissingSetting = errors.New("required setting missing")

type Config struct {
	ConnectionsTable string
	JWTSecret        string
	ConnectionTTL    time.Duration
	TokenExpiry      time.Duration
	Addr             string
	WSURL            string
	LogLevel         string
}

// New returns a viper instance with defaults set and environment lookup
// enabled.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyConnectionTTL, DefaultConnectionTTL)
	v.SetDefault(KeyTokenExpiry, DefaultTokenExpiry)
	v.SetDefault(KeyAddr, DefaultAddr)
	v.SetDefault(KeyWSURL, DefaultWSURL)
	v.SetDefault(KeyLogLevel, DefaultLogLevel)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// LoadEnvFiles loads .env style files into the process environment. Missing
// files are skipped and existing variables are never overridden.
func LoadEnvFiles(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		ConnectionsTable: v.GetString(KeyConnectionsTable),
		JWTSecret:        v.GetString(KeyJWTSecret),
		ConnectionTTL:    v.GetDuration(KeyConnectionTTL),
		TokenExpiry:      v.GetDuration(KeyTokenExpiry),
		Addr:             v.GetString(KeyAddr),
		WSURL:            v.GetString(KeyWSURL),
		LogLevel:         v.GetString(KeyLogLevel),
	}
	if cfg.ConnectionTTL <= 0 {
		return Config{}, fmt.Errorf("invalid %s %q", strings.ToUpper(KeyConnectionTTL), v.GetString(KeyConnectionTTL))
	}
	if cfg.TokenExpiry <= 0 {
		return Config{}, fmt.Errorf("invalid %s %q", strings.ToUpper(KeyTokenExpiry), v.GetString(KeyTokenExpiry))
	}
	return cfg, nil
}

// Require reports the first of keys whose value is empty.
func (c Config) Require(keys ...string) error {
	for _, key := range keys {
		var value string
		switch key {
		case KeyConnectionsTable:
			value = c.ConnectionsTable
		case KeyJWTSecret:
			value = c.JWTSecret
		case KeyAddr:
			value = c.Addr
		case KeyWSURL:
			value = c.WSURL
		default:
			return fmt.Errorf("unknown setting %q", key)
		}
		if value == "" {
			return fmt.Errorf("%w: %s", ErrMissingSetting, strings.ToUpper(key))
		}
	}
	return nil
}

// NewLogger builds a production zap logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
