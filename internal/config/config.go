// Package config loads the worker configuration from a YAML file with
// environment overrides (WORKER_<UPPER_DOTTED_KEY> variables).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RedisConfig describes the queue and KV store endpoints.
type RedisConfig struct {
	// Servers is a comma list of host:port/db endpoints the queue client
	// rotates across. When empty, Host/Port form a single endpoint.
	Servers string `mapstructure:"servers"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	DB      int    `mapstructure:"db"`
}

// ServerList returns the configured endpoints, falling back to host:port.
func (c RedisConfig) ServerList() []string {
	if c.Servers != "" {
		parts := strings.Split(c.Servers, ",")
		servers := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				servers = append(servers, p)
			}
		}
		return servers
	}
	return []string{fmt.Sprintf("%s:%d/%d", c.Host, c.Port, c.DB)}
}

// DataServiceConfig configures the result shipper target.
type DataServiceConfig struct {
	URL    string `mapstructure:"url"`
	OAuth2 bool   `mapstructure:"oauth2"`
	Buffer struct {
		Retries int           `mapstructure:"retries"`
		Delay   time.Duration `mapstructure:"delay"`
	} `mapstructure:"buffer"`
}

// KairosDBConfig configures the optional time-series sink.
type KairosDBConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// ResultConfig bounds the size of stored check results.
type ResultConfig struct {
	// Size is the maximum JSON-encoded result size in KB.
	Size int `mapstructure:"size"`
	Keys struct {
		Count int `mapstructure:"count"`
	} `mapstructure:"keys"`
	History struct {
		Size int `mapstructure:"size"`
	} `mapstructure:"history"`
}

// WebserverConfig binds the control surface HTTP listener.
type WebserverConfig struct {
	ListenOn string `mapstructure:"listen_on"`
	Port     int    `mapstructure:"port"`
}

// ZMONConfig holds queue assignment for this host and the frontend base
// URL notifications link back to.
type ZMONConfig struct {
	// Queues is a comma list of queue_name/worker_count entries.
	Queues string `mapstructure:"queues"`
	// Host is the frontend hostname used to build alert-detail links in
	// notifications. Links are omitted when empty.
	Host string `mapstructure:"host"`
}

// QueueSpec is one parsed entry of zmon.queues.
type QueueSpec struct {
	Name    string
	Workers int
}

// QueueSpecs parses the zmon.queues setting. Malformed counts default to 1.
func (c ZMONConfig) QueueSpecs() []QueueSpec {
	var specs []QueueSpec
	for _, part := range strings.Split(c.Queues, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		spec := QueueSpec{Name: part, Workers: 1}
		if idx := strings.LastIndex(part, "/"); idx > 0 {
			spec.Name = part[:idx]
			if _, err := fmt.Sscanf(part[idx+1:], "%d", &spec.Workers); err != nil || spec.Workers < 1 {
				spec.Workers = 1
			}
		}
		specs = append(specs, spec)
	}
	return specs
}

// NotificationsConfig configures the delivery transports. Channels left
// unconfigured degrade to log-only delivery.
type NotificationsConfig struct {
	Mail struct {
		Host   string `mapstructure:"host"`
		Port   int    `mapstructure:"port"`
		Sender string `mapstructure:"sender"`
		User   string `mapstructure:"user"`
		Pass   string `mapstructure:"pass"`
		TLS    bool   `mapstructure:"tls"`
	} `mapstructure:"mail"`
	Slack struct {
		WebhookURL string `mapstructure:"webhook_url"`
	} `mapstructure:"slack"`
	Opsgenie struct {
		APIKey string `mapstructure:"api_key"`
	} `mapstructure:"opsgenie"`
	Pagerduty struct {
		RoutingKey string `mapstructure:"routing_key"`
	} `mapstructure:"pagerduty"`
}

// WorkerConfig holds per-worker security options.
type WorkerConfig struct {
	IsSecure bool `mapstructure:"is_secure"`
}

// Config is the full worker configuration.
type Config struct {
	Redis            RedisConfig         `mapstructure:"redis"`
	ZMON             ZMONConfig          `mapstructure:"zmon"`
	DataService      DataServiceConfig   `mapstructure:"dataservice"`
	KairosDB         KairosDBConfig      `mapstructure:"kairosdb"`
	Result           ResultConfig        `mapstructure:"result"`
	Webserver        WebserverConfig     `mapstructure:"webserver"`
	Account          string              `mapstructure:"account"`
	Team             string              `mapstructure:"team"`
	Region           string              `mapstructure:"region"`
	Notifications    NotificationsConfig `mapstructure:"notifications"`
	SafeRepositories []string            `mapstructure:"safe_repositories"`
	Worker           WorkerConfig        `mapstructure:"worker"`
	Server           struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
}

// Load reads configuration from the given YAML file and the environment.
// Environment variables take precedence over file values and use the
// WORKER_ prefix with dots replaced by underscores, e.g.
// WORKER_DATASERVICE_URL overrides dataservice.url.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("zmon.queues", "default/2")
	v.SetDefault("zmon.host", "")

	// Empty-string defaults register the keys with viper so environment
	// overrides reach Unmarshal even without a config file.
	v.SetDefault("dataservice.url", "")
	v.SetDefault("dataservice.buffer.retries", 10)
	v.SetDefault("dataservice.buffer.delay", 10*time.Second)

	v.SetDefault("account", "")
	v.SetDefault("team", "")
	v.SetDefault("region", "")
	v.SetDefault("kairosdb.host", "")

	v.SetDefault("kairosdb.enabled", false)
	v.SetDefault("kairosdb.port", 8080)

	v.SetDefault("result.size", 64)
	v.SetDefault("result.keys.count", 1000)
	v.SetDefault("result.history.size", 20)

	v.SetDefault("webserver.listen_on", "0.0.0.0")
	v.SetDefault("webserver.port", 8080)
	v.SetDefault("server.port", 8500)

	v.SetDefault("notifications.mail.port", 25)

	v.SetDefault("worker.is_secure", false)
}
