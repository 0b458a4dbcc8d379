package database

// Config holds configuration for the database connection.
type Config struct {
	// Driver is the database driver (postgres, sqlite).
	Driver string `mapstructure:"driver" default:"postgres"`
	// Host is the database host.
	Host string `mapstructure:"host" default:"localhost"`
	// Port is the database port.
	Port int `mapstructure:"port" default:"5432"`
	// User is the database user.
	User string `mapstructure:"user" default:"hydro"`
	// Password is the database password.
	Password string `mapstructure:"password" default:""`
	// Name is the database name.
	Name string `mapstructure:"name" default:"hydrometry"`
	// SSLMode is passed through to postgres.
	SSLMode string `mapstructure:"sslmode" default:"disable"`
	// Path is the sqlite file, or :memory:.
	Path string `mapstructure:"path" default:"hydroconsumer.db"`
	// TimeoutSeconds bounds connect and the initial ping.
	TimeoutSeconds int `mapstructure:"timeout_seconds" default:"10"`
	// MaxOpenConns caps the pool; workers beyond it wait for a connection.
	MaxOpenConns int `mapstructure:"max_open_conns" default:"32"`
}
