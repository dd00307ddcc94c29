package config

import (
	"time"

	configLoader "github.com/andiksetyawan/config"
)

type AppConfig struct {
	Server   ServerConfig   `envPrefix:"SERVER_"`
	Database DatabaseConfig `envPrefix:"DB_"`
	Dump     DumpConfig     `envPrefix:"DUMP_"`
	Restore  RestoreConfig  `envPrefix:"RESTORE_"`
	Schedule ScheduleConfig `envPrefix:"SCHEDULE_"`
	Log      LogConfig      `envPrefix:"LOG_"`
}

type ServerConfig struct {
	Port string `env:"PORT" envDefault:"3000"`
}

type DatabaseConfig struct {
	Host         string `env:"HOST" envDefault:"127.0.0.1"`
	Port         string `env:"PORT" envDefault:"3306"`
	User         string `env:"USER" envDefault:"root"`
	Password     string `env:"PASSWORD" envDefault:"root"`
	Name         string `env:"NAME" envDefault:"cms_bike_backend"`
	MaxOpenConns int    `env:"MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns int    `env:"MAX_IDLE_CONNS" envDefault:"5"`
}

// DumpConfig points at the remote query-execution API the dumps come from.
type DumpConfig struct {
	APIURL          string        `env:"API_URL" envDefault:"https://cms-bike-backend.qac24svc.dev/api/v1/misc/execute"`
	Token           string        `env:"TOKEN"`
	Schema          string        `env:"SCHEMA" envDefault:"cms_bike_backend_qa"`
	Dir             string        `env:"DIR" envDefault:"dev-db-data"`
	RequestInterval time.Duration `env:"REQUEST_INTERVAL" envDefault:"300ms"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	TimeZone        string        `env:"TIME_ZONE" envDefault:"Local"`
}

type RestoreConfig struct {
	Dir         string `env:"DIR" envDefault:"dev-db-data"`
	BatchSize   int    `env:"BATCH_SIZE" envDefault:"20"`
	OrderFile   string `env:"ORDER_FILE" envDefault:"insert_order.yaml"`
	OrderSource string `env:"ORDER_SOURCE" envDefault:"computed"`
	StrictOrder bool   `env:"STRICT_ORDER" envDefault:"false"`
	Mode        string `env:"MODE" envDefault:"replace"`
	Verify      bool   `env:"VERIFY" envDefault:"true"`
}

type ScheduleConfig struct {
	Cron      string `env:"CRON" envDefault:"0 3 * * *"`
	Download  bool   `env:"DOWNLOAD" envDefault:"true"`
	AutoStart bool   `env:"AUTO_START" envDefault:"false"`
}

type LogConfig struct {
	Level    string `env:"LEVEL" envDefault:"info"`
	File     string `env:"FILE" envDefault:"db_clone_log.log"`
	Encoding string `env:"ENCODING" envDefault:"console"`
}

const (
	OrderSourceComputed = "computed"
	OrderSourceCurated  = "curated"
)

// Location resolves the configured dump time zone, falling back to local time.
func (c DumpConfig) Location() *time.Location {
	if c.TimeZone == "" || c.TimeZone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Load reads the configuration from the environment, with values from envPath
// (a .env file) when it exists.
func Load(envPath string) (*AppConfig, error) {
	cfg := &AppConfig{}
	loader := configLoader.New(
		configLoader.WithEnvPath(envPath),
	)
	if err := loader.Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
