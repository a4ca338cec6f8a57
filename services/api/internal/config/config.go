// Package config loads pcdeploy-api settings from the environment.
package config

import (
	"context"
	"errors"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the deployment API service.
type Config struct {
	Addr           string   `env:"ADDR,default=:8080"`
	DatabaseURL    string   `env:"DATABASE_URL,required"`
	NATSURL        string   `env:"NATS_URL"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	RateLimit      int      `env:"RATE_LIMIT_PER_MINUTE,default=300"`

	DRBL DRBL `env:", prefix=DRBL_"`
	S3   S3   `env:", prefix=S3_"`
}

// DRBL configures the imaging tool adapter and image registry.
type DRBL struct {
	BinDir           string        `env:"BIN_DIR,default=/opt/drbl/sbin"`
	ImageHome        string        `env:"IMAGE_HOME,default=/home/partimag"`
	LogDir           string        `env:"LOG_DIR,default=/var/log/clonezilla"`
	MulticastMaxWait time.Duration `env:"MULTICAST_MAX_WAIT,default=300s"`
	UnicastTimeout   time.Duration `env:"UNICAST_TIMEOUT,default=600s"`
	StopTimeout      time.Duration `env:"STOP_TIMEOUT,default=10s"`
	Simulate         bool          `env:"SIMULATE,default=false"`
}

// S3 configures the tool output archive. An empty endpoint disables it.
type S3 struct {
	Endpoint       string `env:"ENDPOINT"`
	AccessKey      string `env:"ACCESS_KEY"`
	SecretKey      string `env:"SECRET_KEY"`
	Region         string `env:"REGION,default=us-east-1"`
	Bucket         string `env:"BUCKET,default=pcdeploy-tool-logs"`
	DisableTLS     bool   `env:"DISABLE_TLS,default=false"`
	ForcePathStyle bool   `env:"FORCE_PATH_STYLE,default=true"`
}

// Load reads an optional .env file and then the process environment.
func Load(ctx context.Context) (Config, error) {
	_ = godotenv.Load()
	return Process(ctx, envconfig.OsLookuper())
}

// Process populates a Config from lookuper.
func Process(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.RateLimit <= 0 {
		return errors.New("RATE_LIMIT_PER_MINUTE must be positive")
	}
	if c.DRBL.MulticastMaxWait <= 0 || c.DRBL.UnicastTimeout <= 0 || c.DRBL.StopTimeout <= 0 {
		return errors.New("DRBL timeouts must be positive")
	}
	if c.S3.Endpoint != "" && (c.S3.AccessKey == "" || c.S3.SecretKey == "") {
		return errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required when S3_ENDPOINT is set")
	}
	return nil
}
