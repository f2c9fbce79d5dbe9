package server

import (
	"fmt"
	"regexp"
	"time"

	"github.com/pelletier/go-toml"
)

var entityNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Config is the daemon configuration.
//
//	listen = ":7411"
//	entities = ["users", "notes"]
//	jwt_secret = "..."
//
//	[store]
//	driver = "sqlite"          # or "postgres"
//	path = "driftsync.db"      # sqlite file
//	dsn = "postgres://..."     # postgres
//
//	[session]
//	heartbeat_interval = "30s"
//	send_queue_size = 256
type Config struct {
	Listen    string   `toml:"listen"`
	Entities  []string `toml:"entities"`
	JwtSecret string   `toml:"jwt_secret"`

	Store struct {
		Driver string `toml:"driver"`
		Path   string `toml:"path"`
		Dsn    string `toml:"dsn"`
	} `toml:"store"`

	Session struct {
		HeartbeatInterval string `toml:"heartbeat_interval"`
		SendQueueSize     int    `toml:"send_queue_size"`
	} `toml:"session"`

	heartbeatInterval time.Duration
}

func DefaultConfig() *Config {
	config := &Config{
		Listen:    ":7411",
		JwtSecret: "",
	}
	config.Store.Driver = "sqlite"
	config.Store.Path = "driftsync.db"
	config.Session.HeartbeatInterval = "30s"
	config.Session.SendQueueSize = 256
	config.heartbeatInterval = 30 * time.Second
	return config
}

func LoadConfig(path string) (*Config, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, err
	}
	config := DefaultConfig()
	if err := tree.Unmarshal(config); err != nil {
		return nil, err
	}
	if err := config.parse(); err != nil {
		return nil, err
	}
	return config, nil
}

func (self *Config) parse() error {
	if self.JwtSecret == "" {
		return fmt.Errorf("jwt_secret must be set")
	}
	switch self.Store.Driver {
	case "sqlite":
		if self.Store.Path == "" {
			return fmt.Errorf("store.path must be set for the sqlite driver")
		}
	case "postgres":
		if self.Store.Dsn == "" {
			return fmt.Errorf("store.dsn must be set for the postgres driver")
		}
		if len(self.Entities) == 0 {
			// the commit listener needs the channel names up front
			return fmt.Errorf("entities must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", self.Store.Driver)
	}
	for _, entity := range self.Entities {
		if !entityNameRe.MatchString(entity) {
			return fmt.Errorf("invalid entity name %q", entity)
		}
	}
	heartbeatInterval, err := time.ParseDuration(self.Session.HeartbeatInterval)
	if err != nil {
		return fmt.Errorf("invalid session.heartbeat_interval: %w", err)
	}
	if heartbeatInterval <= 0 {
		return fmt.Errorf("session.heartbeat_interval must be positive")
	}
	self.heartbeatInterval = heartbeatInterval
	if self.Session.SendQueueSize <= 0 {
		self.Session.SendQueueSize = 256
	}
	return nil
}

func (self *Config) HeartbeatInterval() time.Duration {
	if self.heartbeatInterval == 0 {
		return 30 * time.Second
	}
	return self.heartbeatInterval
}
