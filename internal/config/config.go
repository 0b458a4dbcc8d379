package config

import (
	"reflect"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"hydroconsumer/internal/changelog"
	"hydroconsumer/internal/consumer"
	"hydroconsumer/internal/database"
	"hydroconsumer/internal/keylock"
	"hydroconsumer/internal/logger"
	"hydroconsumer/internal/source"
)

// StoreConfig selects the version store.
type StoreConfig struct {
	// Backend is memory, pebble, postgres or sqlite.
	Backend string `mapstructure:"backend" default:"postgres"`
	// PebbleDir is the data directory of the pebble backend.
	PebbleDir string `mapstructure:"pebble_dir" default:"data/pebble"`
	// EnforceCatalog rejects mutations of unknown examination types.
	EnforceCatalog bool `mapstructure:"enforce_catalog" default:"true"`
	// CatalogFile is an optional JSON array of measurement types upserted
	// into the catalog when the store opens.
	CatalogFile string `mapstructure:"catalog_file" default:""`
	// AutoMigrate applies the schema on start for SQL backends.
	AutoMigrate bool `mapstructure:"auto_migrate" default:"true"`
}

// MetricsConfig configures the HTTP endpoint for /metrics and /healthz.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the endpoint.
	Addr string `mapstructure:"addr" default:":8080"`
}

// Config holds all configuration for the application.
type Config struct {
	Log       logger.Config    `mapstructure:"log"`
	Kafka     source.Config    `mapstructure:"kafka"`
	Consumer  consumer.Config  `mapstructure:"consumer"`
	Store     StoreConfig      `mapstructure:"store"`
	Database  database.Config  `mapstructure:"database"`
	Lock      keylock.Config   `mapstructure:"lock"`
	Changelog changelog.Config `mapstructure:"changelog"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
}

// LoadConfig loads configuration from environment variables and .env file.
func LoadConfig(path string) (*Config, error) {
	envPath := path + "/.env"
	if path == "." || path == "" {
		envPath = ".env"
	}
	// a missing .env is normal in production
	_ = godotenv.Overload(envPath)

	v := viper.New()
	bindValues(v, Config{}, "")

	// KAFKA_TOPIC -> kafka.topic
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// bindValues registers every mapstructure key with its default tag so
// AutomaticEnv can resolve it.
func bindValues(v *viper.Viper, iface any, prefix string) {
	t := reflect.TypeOf(iface)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		if field.Type.Kind() == reflect.Struct {
			bindValues(v, reflect.New(field.Type).Elem().Interface(), key)
			continue
		}

		v.SetDefault(key, field.Tag.Get("default"))
	}
}
