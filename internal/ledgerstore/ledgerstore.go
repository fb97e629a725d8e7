// Package ledgerstore builds the ledger's storage backend from command-line
// configuration so the relayer and the admin tool open the same ledger.
package ledgerstore

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/bridge-relayer/internal/ledger"
	ledgerpg "github.com/juno-intents/bridge-relayer/internal/ledger/postgres"
)

var ErrInvalidConfig = errors.New("ledgerstore: invalid config")

const (
	DriverFile     = "file"
	DriverS3       = "s3"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Driver string

	Path string

	S3Bucket string
	S3Key    string

	PostgresDSN string
	// Name selects one ledger row when several ledgers share a database.
	// Only one process may hold a named ledger at a time.
	Name string
}

// RegisterFlags binds the storage flags on fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Driver, "ledger-driver", DriverFile, "ledger storage: file|s3|postgres|memory")
	fs.StringVar(&c.Path, "ledger-path", "relayer-ledger.json", "ledger snapshot path (file driver)")
	fs.StringVar(&c.S3Bucket, "ledger-s3-bucket", "", "ledger snapshot bucket (s3 driver)")
	fs.StringVar(&c.S3Key, "ledger-s3-key", "relayer/ledger.json", "ledger snapshot object key (s3 driver)")
	fs.StringVar(&c.PostgresDSN, "postgres-dsn", "", "Postgres DSN (postgres driver)")
	fs.StringVar(&c.Name, "ledger-name", "default", "ledger name (postgres driver)")
}

// Store is an opened backend. Attempts is nil unless the backend can share
// pending-attempt markers across processes.
type Store struct {
	Driver   string
	Backend  ledger.Backend
	Attempts ledger.AttemptStore

	close func()
}

func (s *Store) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case DriverFile, "":
		b, err := ledger.NewFileBackend(cfg.Path)
		if err != nil {
			return nil, err
		}
		return &Store{Driver: DriverFile, Backend: b}, nil
	case DriverMemory:
		return &Store{Driver: DriverMemory, Backend: ledger.NewMemoryBackend()}, nil
	case DriverS3:
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return nil, fmt.Errorf("%w: --ledger-s3-bucket is required for the s3 driver", ErrInvalidConfig)
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("ledgerstore: load aws config: %w", err)
		}
		b, err := ledger.NewS3Backend(awss3.NewFromConfig(awsCfg), ledger.S3Config{
			Bucket: cfg.S3Bucket,
			Key:    cfg.S3Key,
		})
		if err != nil {
			return nil, err
		}
		return &Store{Driver: DriverS3, Backend: b}, nil
	case DriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, fmt.Errorf("%w: --postgres-dsn is required for the postgres driver", ErrInvalidConfig)
		}
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("ledgerstore: init pgx pool: %w", err)
		}
		st, err := ledgerpg.New(pool, cfg.Name)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ledgerstore: ensure schema: %w", err)
		}
		unlock, err := st.Lock(ctx)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return &Store{Driver: DriverPostgres, Backend: st, Attempts: st, close: func() {
			unlock()
			pool.Close()
		}}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported ledger driver %q", ErrInvalidConfig, cfg.Driver)
	}
}
