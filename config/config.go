package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cschleiden/go-automations/engine"
	"github.com/ilyakaznacheev/cleanenv"
)

const (
	BackendMemory   = "memory"
	BackendSqlite   = "sqlite"
	BackendMysql    = "mysql"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"

	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

type Config struct {
	Name string `yaml:"name" json:"name" env:"AUTOMATIONS_NAME" env-default:"go-automations"` // used as the service name in traces

	// Definitions are files or directories holding systems, rules and workflows.
	Definitions []string `yaml:"definitions" json:"definitions" env:"AUTOMATIONS_DEFINITIONS" env-separator:","`

	Engine  Engine  `yaml:"engine" json:"engine"`
	Backend Backend `yaml:"backend" json:"backend"`
	Diag    Diag    `yaml:"diag" json:"diag"`
	Webhook Webhook `yaml:"webhook" json:"webhook"`
	Kafka   Kafka   `yaml:"kafka" json:"kafka"`
	Tracing Tracing `yaml:"tracing" json:"tracing"`
	Log     Log     `yaml:"log" json:"log"`
}

type Engine struct {
	DispatchLanes          int           `yaml:"dispatchLanes" json:"dispatchLanes" env:"ENGINE_DISPATCH_LANES" env-default:"4"`
	LaneBuffer             int           `yaml:"laneBuffer" json:"laneBuffer" env:"ENGINE_LANE_BUFFER" env-default:"64"`
	MaxConcurrentInstances int           `yaml:"maxConcurrentInstances" json:"maxConcurrentInstances" env:"ENGINE_MAX_CONCURRENT_INSTANCES"`
	ActionTimeout          time.Duration `yaml:"actionTimeout" json:"actionTimeout" env:"ENGINE_ACTION_TIMEOUT" env-default:"30s"`
	SuspendTimeout         time.Duration `yaml:"suspendTimeout" json:"suspendTimeout" env:"ENGINE_SUSPEND_TIMEOUT" env-default:"24h"`
	MaxLoopIterations      int           `yaml:"maxLoopIterations" json:"maxLoopIterations" env:"ENGINE_MAX_LOOP_ITERATIONS" env-default:"1000"`
	SweepInterval          time.Duration `yaml:"sweepInterval" json:"sweepInterval" env:"ENGINE_SWEEP_INTERVAL" env-default:"5s"`
	RetentionTime          time.Duration `yaml:"retentionTime" json:"retentionTime" env:"ENGINE_RETENTION_TIME" env-default:"1h"`
	RetentionSize          int           `yaml:"retentionSize" json:"retentionSize" env:"ENGINE_RETENTION_SIZE" env-default:"1000"`
}

// Options maps the configuration onto engine options. Logger, metrics, tracing and clock are
// left to the caller.
func (e Engine) Options() engine.Options {
	return engine.Options{
		DispatchLanes:          e.DispatchLanes,
		LaneBuffer:             e.LaneBuffer,
		MaxConcurrentInstances: e.MaxConcurrentInstances,
		ActionTimeout:          e.ActionTimeout,
		SuspendTimeout:         e.SuspendTimeout,
		MaxLoopIterations:      e.MaxLoopIterations,
		SweepInterval:          e.SweepInterval,
		RetentionTime:          e.RetentionTime,
		RetentionSize:          e.RetentionSize,
	}
}

type Backend struct {
	// Type is one of memory, sqlite, mysql, postgres or redis
	Type string `yaml:"type" json:"type" env:"BACKEND_TYPE" env-default:"memory"`

	Sqlite   Sqlite `yaml:"sqlite" json:"sqlite"`
	Mysql    SQL    `yaml:"mysql" json:"mysql"`
	Postgres SQL    `yaml:"postgres" json:"postgres"`
	Redis    Redis  `yaml:"redis" json:"redis"`
}

type Sqlite struct {
	Path string `yaml:"path" json:"path" env:"BACKEND_SQLITE_PATH" env-default:"automations.sqlite"`
}

type SQL struct {
	Host     string `yaml:"host" json:"host" env:"BACKEND_SQL_HOST" env-default:"localhost"`
	Port     int    `yaml:"port" json:"port" env:"BACKEND_SQL_PORT"`
	User     string `yaml:"user" json:"user" env:"BACKEND_SQL_USER" env-default:"root"`
	Password string `yaml:"password" json:"password" env:"BACKEND_SQL_PASSWORD"`
	Database string `yaml:"database" json:"database" env:"BACKEND_SQL_DATABASE" env-default:"automations"`
}

type Redis struct {
	Addrs     []string `yaml:"addrs" json:"addrs" env:"BACKEND_REDIS_ADDRS" env-separator:"," env-default:"localhost:6379"`
	Username  string   `yaml:"username" json:"username" env:"BACKEND_REDIS_USERNAME"`
	Password  string   `yaml:"password" json:"password" env:"BACKEND_REDIS_PASSWORD"`
	DB        int      `yaml:"db" json:"db" env:"BACKEND_REDIS_DB"`
	KeyPrefix string   `yaml:"keyPrefix" json:"keyPrefix" env:"BACKEND_REDIS_KEY_PREFIX"`
}

// Diag configures the diagnostics API, which also serves /metrics.
type Diag struct {
	Addr string `yaml:"addr" json:"addr" env:"DIAG_ADDR" env-default:":8081"`
}

type Webhook struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"WEBHOOK_ENABLED"`
	Name    string `yaml:"name" json:"name" env:"WEBHOOK_NAME" env-default:"webhook"`
	Addr    string `yaml:"addr" json:"addr" env:"WEBHOOK_ADDR" env-default:":8080"`
}

type Kafka struct {
	Name    string   `yaml:"name" json:"name" env:"KAFKA_NAME" env-default:"kafka"`
	Brokers []string `yaml:"brokers" json:"brokers" env:"KAFKA_BROKERS" env-separator:","`
	Topics  []string `yaml:"topics" json:"topics" env:"KAFKA_TOPICS" env-separator:","`
	GroupID string   `yaml:"groupId" json:"groupId" env:"KAFKA_GROUP_ID" env-default:"go-automations"`
}

// Enabled returns true if brokers are configured.
func (k Kafka) Enabled() bool {
	return len(k.Brokers) > 0
}

type Tracing struct {
	// Exporter is one of none, stdout or otlp
	Exporter string `yaml:"exporter" json:"exporter" env:"TRACING_EXPORTER" env-default:"none"`

	// Endpoint of the OTLP HTTP collector, e.g. localhost:4318
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"TRACING_ENDPOINT"`
}

type Log struct {
	Level  string `yaml:"level" json:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" json:"format" env:"LOG_FORMAT" env-default:"json"`
}

// Load reads the configuration file and applies environment overrides. Without a file, the
// configuration is read from the environment only. An empty path falls back to $CONFIG_FILE.
func Load(path string) (Config, error) {
	c := Config{}

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}

	var err error
	if path == "" {
		err = cleanenv.ReadEnv(&c)
	} else if _, perr := os.Stat(path); errors.Is(perr, os.ErrNotExist) {
		return c, fmt.Errorf("configuration file %s not found", path)
	} else {
		err = cleanenv.ReadConfig(path, &c)
	}

	if err != nil {
		return c, fmt.Errorf("reading configuration: %w", err)
	}

	return c, c.validate()
}

func (c Config) validate() error {
	switch c.Backend.Type {
	case BackendMemory, BackendSqlite, BackendMysql, BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("unknown backend type %q", c.Backend.Type)
	}

	switch c.Tracing.Exporter {
	case ExporterNone, ExporterStdout, ExporterOTLP:
	default:
		return fmt.Errorf("unknown tracing exporter %q", c.Tracing.Exporter)
	}

	return nil
}
