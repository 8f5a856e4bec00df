package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/utils"
)

const (
	DefaultPath      = "config.json"
	EnvPrefix        = "ROBOVAC_"
	RegistryMemory   = "memory"
	RegistryMongo    = "mongo"
	defaultProxyPort = 443
)

type Listener struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	UseTLS bool   `json:"use_tls"`
}

func (l Listener) Address() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

type TLS struct {
	CertFile string `json:"cert_file" env:"CERT_FILE"`
	KeyFile  string `json:"key_file" env:"KEY_FILE"`
	CAFile   string `json:"ca_file" env:"CA_FILE"`
}

type Auth struct {
	AllowAnonymous bool   `json:"allow_anonymous" env:"ALLOW_ANONYMOUS"`
	PasswordFile   string `json:"password_file" env:"PASSWORD_FILE"`
	AuthEnforced   bool   `json:"auth_enforced" env:"AUTH_ENFORCED"`
}

type HelperBot struct {
	Address            string `json:"address" env:"ADDRESS"`
	UseTLS             bool   `json:"use_tls" env:"USE_TLS"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
	ResponseTimeout    string `json:"response_timeout" env:"RESPONSE_TIMEOUT"`
	ConnectRetries     int    `json:"connect_retries" env:"CONNECT_RETRIES"`
}

type Proxy struct {
	Enabled        bool   `json:"enabled" env:"ENABLED"`
	MQTTServer     string `json:"mqtt_server" env:"MQTT_SERVER"`
	Port           int    `json:"port" env:"PORT"`
	SkipCertVerify bool   `json:"skip_cert_verify" env:"SKIP_CERT_VERIFY"`
	MappingTTL     string `json:"mapping_ttl" env:"MAPPING_TTL"`
}

type Registry struct {
	Driver string `json:"driver" env:"DRIVER"`
}

type Database struct {
	Host               string `json:"host" env:"HOST"`
	Port               uint64 `json:"port" env:"PORT"`
	Username           string `json:"username" env:"USERNAME"`
	Password           string `json:"password" env:"PASSWORD"`
	Database           string `json:"database" env:"DATABASE"`
	UseTLS             bool   `json:"use_tls" env:"USE_TLS"`
	ConnectTimeout     string `json:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout"`
	Heartbeat          string `json:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size"`
}

type Metrics struct {
	Address string `json:"address" env:"ADDRESS"`
}

type Config struct {
	DebugMode      bool       `json:"debug_mode" env:"DEBUG_MODE"`
	AppName        string     `json:"app_name" env:"APP_NAME"`
	LogPath        string     `json:"log_path" env:"LOG_PATH"`
	MaxConnections int        `json:"max_connections" env:"MAX_CONNECTIONS"`
	KnownRealms    []string   `json:"known_realms" env:"KNOWN_REALMS"`
	Listeners      []Listener `json:"listeners"`
	TLS            TLS        `json:"tls" envPrefix:"TLS_"`
	Auth           Auth       `json:"auth" envPrefix:"AUTH_"`
	HelperBot      HelperBot  `json:"helperbot" envPrefix:"HELPERBOT_"`
	Proxy          Proxy      `json:"proxy" envPrefix:"PROXY_"`
	Registry       Registry   `json:"registry" envPrefix:"REGISTRY_"`
	Database       Database   `json:"database" envPrefix:"DATABASE_"`
	Metrics        Metrics    `json:"metrics" envPrefix:"METRICS_"`
}

var (
	ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	ErrInvalidJSON   = errors.New("the configuration file does not contain valid JSON")
	ErrNoUpstream    = errors.New("proxy mode is enabled but no upstream mqtt_server is configured")
)

// Default returns the configuration written to disk when no file exists.
func Default() Config {
	return Config{
		AppName:        "robovac-broker",
		LogPath:        "logs",
		MaxConnections: 10000,
		KnownRealms:    []string{"ecouser", "bumper"},
		Listeners: []Listener{
			{Host: "0.0.0.0", Port: 1883},
			{Host: "0.0.0.0", Port: 8883, UseTLS: true},
		},
		TLS: TLS{CertFile: "certs/bumper.crt", KeyFile: "certs/bumper.key", CAFile: "certs/ca.crt"},
		Auth: Auth{
			AllowAnonymous: false,
			PasswordFile:   "data/passwd",
			AuthEnforced:   false,
		},
		HelperBot: HelperBot{
			Address:            "127.0.0.1:8883",
			UseTLS:             true,
			InsecureSkipVerify: true,
			ResponseTimeout:    "60s",
			ConnectRetries:     20,
		},
		Proxy: Proxy{
			Port:           defaultProxyPort,
			SkipCertVerify: true,
			MappingTTL:     "10m",
		},
		Registry: Registry{Driver: RegistryMemory},
		Database: Database{
			Host:               "127.0.0.1",
			Port:               27017,
			Database:           "robovac",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        1,
			MaxPoolSize:        20,
		},
	}
}

// Load reads path, applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	bytes, err := os.ReadFile(path)

	if err != nil {
		writer, _ := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if writer != nil {
			data, _ := json.MarshalIndent(cfg, "", "\t")
			_, _ = writer.Write(data)
			_ = writer.Close()
		}
		return cfg, ErrConfigCreated
	}

	if err := json.Unmarshal(bytes, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	// .env is optional; its absence is not an error.
	_ = godotenv.Load()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("error occured while reading environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if len(c.Listeners) == 0 {
		return errors.New("at least one listener must be configured")
	}
	for _, l := range c.Listeners {
		if l.Port <= 0 || l.Port > 65535 {
			return fmt.Errorf("listener %s has an invalid port", l.Address())
		}
		if l.UseTLS && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
			return fmt.Errorf("listener %s uses TLS but no certificate/key is configured", l.Address())
		}
	}
	switch c.Registry.Driver {
	case "", RegistryMemory, RegistryMongo:
	default:
		return fmt.Errorf("unknown registry driver %q", c.Registry.Driver)
	}
	if c.Proxy.Enabled && c.Proxy.MQTTServer == "" {
		return ErrNoUpstream
	}
	return nil
}

func (c Config) ResponseTimeout() time.Duration {
	return utils.ParseStringTimeOr(c.HelperBot.ResponseTimeout, 60*time.Second)
}

func (c Config) MappingTTL() time.Duration {
	return utils.ParseStringTimeOr(c.Proxy.MappingTTL, 10*time.Minute)
}

func (c Config) ProxyPort() int {
	if c.Proxy.Port <= 0 {
		return defaultProxyPort
	}
	return c.Proxy.Port
}
