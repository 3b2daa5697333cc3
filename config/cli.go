package config

import (
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Cli holds the runtime configuration, populated from flags or their
// corresponding environment variables (flag `database-url` reads
// DATABASE_URL, `redis-host` reads REDIS_HOST, and so on).
type Cli struct {
	AppName            string
	Port               int
	AppEnv             string
	DatabaseURL        *url.URL
	RedisHost          string
	RedisPort          int
	RedisPassword      string
	QueueRetryAttempts int
	QueueRetryDelay    time.Duration
	StorageDriver      string
	StoragePath        string
	R2Endpoint         string
	R2AccessKeyID      string
	R2SecretAccessKey  string
	R2BucketName       string
	UploadDir          string
	PublicRoot         string
	CORSOrigin         string
	UploadExtensions   []string
	WorkerConcurrency  int
	DeleteSourceAfter  bool
	ShutdownTimeout    time.Duration
}

const (
	DriverLocal = "local"
	DriverS3    = "s3"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Validate checks the parsed configuration for the combinations the rest of
// the system assumes hold.
func (cli *Cli) Validate() error {
	if cli.DatabaseURL == nil || cli.DatabaseURL.String() == "" {
		return fmt.Errorf("database-url (DATABASE_URL) is required")
	}
	switch cli.AppEnv {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		return fmt.Errorf("unknown app env %q, must be %q, %q or %q", cli.AppEnv, EnvDevelopment, EnvProduction, EnvTest)
	}
	switch cli.StorageDriver {
	case DriverLocal:
		if cli.AppEnv == EnvProduction {
			return fmt.Errorf("storage driver %q is not allowed in production, use %q", DriverLocal, DriverS3)
		}
	case DriverS3:
		if cli.R2Endpoint == "" || cli.R2AccessKeyID == "" || cli.R2SecretAccessKey == "" || cli.R2BucketName == "" {
			return fmt.Errorf("storage driver %q requires r2-endpoint, r2-access-key-id, r2-secret-access-key and r2-bucket-name", cli.StorageDriver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q, must be %q or %q", cli.StorageDriver, DriverLocal, DriverS3)
	}
	if cli.QueueRetryAttempts < 0 {
		return fmt.Errorf("queue-retry-attempts must not be negative")
	}
	if cli.WorkerConcurrency < 1 {
		return fmt.Errorf("worker-concurrency must be at least 1")
	}
	if len(cli.UploadExtensions) == 0 {
		return fmt.Errorf("upload-extensions must not be empty")
	}
	return nil
}

// RedisAddr returns the host:port pair the queue client dials.
func (cli *Cli) RedisAddr() string {
	return fmt.Sprintf("%s:%d", cli.RedisHost, cli.RedisPort)
}

func parseURL(s string, dest **url.URL) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if _, err = url.ParseQuery(u.RawQuery); err != nil {
		return err
	}
	*dest = u
	return nil
}

func URLVarFlag(fs *flag.FlagSet, dest **url.URL, name, value, usage string) {
	if err := parseURL(value, dest); err != nil {
		panic(err)
	}
	fs.Func(name, usage, func(s string) error {
		return parseURL(s, dest)
	})
}

// CommaSliceFlag handles -foo=value1,value2,value3
func CommaSliceFlag(fs *flag.FlagSet, dest *[]string, name string, value []string, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		if s == "" {
			*dest = []string{}
			return nil
		}
		*dest = strings.Split(s, ",")
		return nil
	})
}
