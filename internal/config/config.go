package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "SAGABUS"

	EnvAppEnv          = "SAGABUS_APP_ENV"
	EnvServiceName     = "SAGABUS_SERVICE_NAME"
	EnvLogLevel        = "SAGABUS_LOG_LEVEL"
	EnvDBDriver        = "SAGABUS_DB_DRIVER"
	EnvDBDSN           = "SAGABUS_DB_DSN"
	EnvRedisURL        = "SAGABUS_REDIS_URL"
	EnvRedisAddr       = "SAGABUS_REDIS_ADDR"
	EnvRedisKeyPrefix  = "SAGABUS_REDIS_KEY_PREFIX"
	EnvPubSubProjectID = "SAGABUS_PUBSUB_PROJECT_ID"
	EnvRoutingStatic   = "SAGABUS_ROUTING_STATIC"
	EnvRoutingTimeout  = "SAGABUS_ROUTING_RESOLVE_TIMEOUT"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	App     AppConfig
	DB      DBConfig
	Redis   RedisConfig
	PubSub  PubSubConfig
	Routing RoutingConfig
}

var validate = validator.New()

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"SAGABUS_APP_ENV" default:"dev" validate:"required"`
	ServiceName  string `envconfig:"SAGABUS_SERVICE_NAME" default:"sagabus" validate:"required"`
	LogLevel     string `envconfig:"SAGABUS_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"SAGABUS_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	Driver string `envconfig:"SAGABUS_DB_DRIVER" default:"sqlite" validate:"oneof=sqlite postgres"`
	DSN    string `envconfig:"SAGABUS_DB_DSN" default:"file:sagabus.db?cache=shared" validate:"required"`

	MaxOpenConns    int           `envconfig:"SAGABUS_DB_MAX_OPEN_CONNS" default:"20" validate:"gte=0"`
	MaxIdleConns    int           `envconfig:"SAGABUS_DB_MAX_IDLE_CONNS" default:"10" validate:"gte=0"`
	ConnMaxLifetime time.Duration `envconfig:"SAGABUS_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"SAGABUS_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	AutoMigrate     bool          `envconfig:"SAGABUS_DB_AUTO_MIGRATE" default:"true"`
}

// RedisConfig is optional; an empty URL and address disables distribution
// lists.
type RedisConfig struct {
	URL          string        `envconfig:"SAGABUS_REDIS_URL"`
	Address      string        `envconfig:"SAGABUS_REDIS_ADDR"`
	Password     string        `envconfig:"SAGABUS_REDIS_PASSWORD"`
	DB           int           `envconfig:"SAGABUS_REDIS_DB" default:"0" validate:"gte=0"`
	PoolSize     int           `envconfig:"SAGABUS_REDIS_POOL_SIZE" default:"10" validate:"gte=0"`
	MinIdleConns int           `envconfig:"SAGABUS_REDIS_MIN_IDLE_CONNS" default:"2" validate:"gte=0"`
	DialTimeout  time.Duration `envconfig:"SAGABUS_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"SAGABUS_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"SAGABUS_REDIS_WRITE_TIMEOUT" default:"5s"`
	KeyPrefix    string        `envconfig:"SAGABUS_REDIS_KEY_PREFIX" default:"sagabus:routes"`
}

func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Address != ""
}

// PubSubConfig is optional; an empty project id disables the pubsub
// transport.
type PubSubConfig struct {
	ProjectID      string        `envconfig:"SAGABUS_PUBSUB_PROJECT_ID"`
	TopicPrefix    string        `envconfig:"SAGABUS_PUBSUB_TOPIC_PREFIX"`
	PublishTimeout time.Duration `envconfig:"SAGABUS_PUBSUB_PUBLISH_TIMEOUT" default:"15s" validate:"gt=0"`
}

func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != ""
}

type RoutingConfig struct {
	// Static holds key=destination pairs, for example
	// "order.placed=Sales,order.cancelled=address:support@east".
	Static         []string      `envconfig:"SAGABUS_ROUTING_STATIC"`
	ResolveTimeout time.Duration `envconfig:"SAGABUS_ROUTING_RESOLVE_TIMEOUT" default:"5s" validate:"gt=0"`
}

// StaticRoute is one configured key=destination pair.
type StaticRoute struct {
	Key         string
	Destination string
}

// StaticRoutes parses Static in declaration order.
func (r RoutingConfig) StaticRoutes() ([]StaticRoute, error) {
	routes := make([]StaticRoute, 0, len(r.Static))
	for _, pair := range r.Static {
		key, dest, ok := strings.Cut(pair, "=")
		key, dest = strings.TrimSpace(key), strings.TrimSpace(dest)
		if !ok || key == "" || dest == "" {
			return nil, fmt.Errorf("%s: invalid pair %q, want key=destination", EnvRoutingStatic, pair)
		}
		routes = append(routes, StaticRoute{Key: key, Destination: dest})
	}
	return routes, nil
}
