package config

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/Netflix/go-env"
	"gopkg.in/yaml.v3"

	"github.com/breez/table-sync/types"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

var ErrInvalidConfig = errors.New("invalid config")

type Certificate struct {
	Raw *x509.Certificate
}

func (c *Certificate) UnmarshalEnvironmentValue(data string) error {
	decodedData, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("could not decode base64-encoded certificate: %w", err)
	}

	block, _ := pem.Decode(decodedData)
	if block == nil {
		return fmt.Errorf("%w: CA certificate is not PEM encoded", ErrInvalidConfig)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("could not parse CA cert: %w", err)
	}

	c.Raw = cert
	return nil
}

type Config struct {
	GrpcListenAddress    string `env:"GRPC_LISTEN_ADDRESS,default=0.0.0.0:8080"`
	HttpListenAddress    string `env:"HTTP_LISTEN_ADDRESS"`
	MetricsListenAddress string `env:"METRICS_LISTEN_ADDRESS"`

	Backend       string       `env:"BACKEND,default=sqlite"`
	SQLitePath    string       `env:"SQLITE_PATH,default=db/sync.db"`
	SQLiteDriver  string       `env:"SQLITE_DRIVER,default=sqlite3"`
	PgDatabaseUrl string       `env:"DATABASE_URL"`
	CACert        *Certificate `env:"CA_CERT"`

	NodeID         string `env:"NODE_ID,default=server"`
	BatchDir       string `env:"BATCH_DIR"`
	MaxBatchBytes  int    `env:"MAX_BATCH_BYTES,default=1048576"`
	Codec          string `env:"CODEC,default=json"`
	Compression    string `env:"COMPRESSION,default=zstd"`
	ConflictPolicy string `env:"CONFLICT_POLICY,default=server_wins"`

	LogLevel     string `env:"LOG_LEVEL,default=info"`
	LogFile      string `env:"LOG_FILE"`
	OtelEndpoint string `env:"OTEL_ENDPOINT"`

	// Client side.
	ServerAddress string `env:"SERVER_ADDRESS,default=localhost:8080"`
	PrivateKey    string `env:"PRIVATE_KEY"`
	ApiKey        string `env:"API_KEY"`
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the values that cannot be checked by their type.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSQLite, BackendMemory:
	case BackendPostgres:
		if c.PgDatabaseUrl == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if c.MaxBatchBytes < 0 {
		return fmt.Errorf("%w: MAX_BATCH_BYTES must not be negative", ErrInvalidConfig)
	}
	if c.NodeID == "" {
		return fmt.Errorf("%w: NODE_ID is empty", ErrInvalidConfig)
	}
	return nil
}

// LoadScope reads a scope setup from a YAML file.
func LoadScope(path string) (*types.Scope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scope file: %w", err)
	}
	return ParseScope(data)
}

// ParseScope decodes and validates a YAML scope setup.
func ParseScope(data []byte) (*types.Scope, error) {
	var scope types.Scope
	if err := yaml.Unmarshal(data, &scope); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidScope, err)
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	return &scope, nil
}
