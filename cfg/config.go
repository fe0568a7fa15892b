package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// DriverType selects the page source a session executes against
type DriverType string

const (
	DriverPebble DriverType = "pebble"  // Local Pebble table log
	DriverSQLite DriverType = "sqlite3" // database/sql over SQLite
	DriverMySQL  DriverType = "mysql"   // database/sql over MySQL
	DriverCQL    DriverType = "cql"     // Cassandra/DSE native protocol
)

// PagingConfiguration controls continuous paging for every stream
type PagingConfiguration struct {
	PageSize          int  `toml:"page_size"`            // Rows per page, or bytes when PageSizeInBytes
	PageSizeInBytes   bool `toml:"page_size_in_bytes"`   // Interpret PageSize as an approximate byte budget
	MaxPages          int  `toml:"max_pages"`            // Hard cap on pages per stream (0 = unlimited)
	MaxPagesPerSecond int  `toml:"max_pages_per_second"` // Fetch rate limit (0 = unthrottled)
	Prefetch          int  `toml:"prefetch"`             // Rows requested ahead by iterating consumers
}

// SourceConfiguration describes where pages come from
type SourceConfiguration struct {
	Driver       DriverType `toml:"driver"`
	DSN          string     `toml:"dsn"`            // database/sql data source name
	KeyColumn    string     `toml:"key_column"`     // Keyset paging column for SQL drivers
	StmtCache    int        `toml:"stmt_cache"`     // Prepared statements kept per SQL driver
	Hosts        []string   `toml:"hosts"`          // CQL contact points
	Keyspace     string     `toml:"keyspace"`       // CQL keyspace
	Consistency  string     `toml:"consistency"`    // CQL consistency level
	ConnectTimeS int        `toml:"connect_timeout_seconds"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics and the admin endpoint
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Secret  string `toml:"secret"` // Optional shared secret for /streams
}

// Configuration is the main configuration structure
type Configuration struct {
	ClientID uint64 `toml:"client_id"`
	DataDir  string `toml:"data_dir"`

	Paging     PagingConfiguration     `toml:"paging"`
	Source     SourceConfiguration     `toml:"source"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	ClientIDFlag   = flag.Uint64("client-id", 0, "Client ID (overrides config, 0=auto)")
	DriverFlag     = flag.String("driver", "", "Page source driver: pebble, sqlite3, mysql, cql (overrides config)")
	PageSizeFlag   = flag.Int("page-size", 0, "Page size (overrides config)")
)

// Default configuration
var Config = &Configuration{
	ClientID: 0, // Auto-generate
	DataDir:  "./rowstream-data",

	Paging: PagingConfiguration{
		PageSize:          5000,
		PageSizeInBytes:   false,
		MaxPages:          0,
		MaxPagesPerSecond: 0,
		Prefetch:          256,
	},

	Source: SourceConfiguration{
		Driver:       DriverPebble,
		KeyColumn:    "id",
		StmtCache:    64,
		Hosts:        []string{"127.0.0.1"},
		Consistency:  "LOCAL_ONE",
		ConnectTimeS: 5,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: false,
		Address: "127.0.0.1",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *ClientIDFlag != 0 {
		Config.ClientID = *ClientIDFlag
	}
	if *DriverFlag != "" {
		Config.Source.Driver = DriverType(*DriverFlag)
	}
	if *PageSizeFlag != 0 {
		Config.Paging.PageSize = *PageSizeFlag
	}

	if Config.ClientID == 0 {
		var err error
		Config.ClientID, err = generateClientID()
		if err != nil {
			return fmt.Errorf("failed to generate client ID: %w", err)
		}
		log.Info().Uint64("client_id", Config.ClientID).Msg("Auto-generated client ID")
	}

	if Config.Source.Driver == DriverPebble {
		if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	return nil
}

// generateClientID derives a stable client ID from the machine ID
func generateClientID() (uint64, error) {
	id, err := machineid.ProtectedID("rowstream")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Paging.PageSize < 1 {
		return fmt.Errorf("page size must be >= 1")
	}

	if Config.Paging.MaxPages < 0 {
		return fmt.Errorf("max pages must be >= 0")
	}

	if Config.Paging.MaxPagesPerSecond < 0 {
		return fmt.Errorf("max pages per second must be >= 0")
	}

	if Config.Paging.Prefetch < 1 {
		return fmt.Errorf("prefetch must be >= 1")
	}

	switch Config.Source.Driver {
	case DriverPebble:
		if Config.DataDir == "" {
			return fmt.Errorf("data directory is required for the pebble driver")
		}
	case DriverSQLite, DriverMySQL:
		if Config.Source.DSN == "" {
			return fmt.Errorf("dsn is required for the %s driver", Config.Source.Driver)
		}
		if Config.Source.KeyColumn == "" {
			return fmt.Errorf("key column is required for the %s driver", Config.Source.Driver)
		}
		if Config.Source.StmtCache < 1 {
			return fmt.Errorf("statement cache size must be >= 1")
		}
	case DriverCQL:
		if len(Config.Source.Hosts) == 0 {
			return fmt.Errorf("at least one CQL host is required")
		}
		if Config.Source.ConnectTimeS < 1 {
			return fmt.Errorf("CQL connect timeout must be >= 1 second")
		}
	default:
		return fmt.Errorf("unknown driver: %q", Config.Source.Driver)
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s", Config.Logging.Format)
	}

	return nil
}
