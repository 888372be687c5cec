package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CONNECTBOX_SERVER_URL
const EnvPrefix = "CONNECTBOX"

// Config is built once at startup and passed by pointer to every component
type Config struct {
	ServerURL         string        `mapstructure:"server_url" validate:"required,url"`
	Hostname          string        `mapstructure:"hostname" validate:"required"`
	KeyPath           string        `mapstructure:"key_path" validate:"required"`
	KeygenBinary      string        `mapstructure:"keygen_binary" validate:"required"`
	Notes             string        `mapstructure:"notes"`
	RequestedPort     int           `mapstructure:"requested_port" validate:"min=1,max=65535"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout" validate:"gt=0"`
	RequestRate       float64       `mapstructure:"request_rate" validate:"gte=0"` // requests/sec, 0 = unlimited
	Listen            string        `mapstructure:"listen" validate:"required,hostname_port"`
	MaxClients        int           `mapstructure:"max_clients" validate:"min=1"`
	AutoConnect       bool          `mapstructure:"auto_connect"`

	Tunnel TunnelConfig `mapstructure:"tunnel"`
	Log    LogConfig    `mapstructure:"log"`
}

// TunnelConfig describes the reverse SSH tunnel to the jump server
type TunnelConfig struct {
	User      string `mapstructure:"user" validate:"required"`
	Host      string `mapstructure:"host"` // defaults to the server URL's host
	LocalPort int    `mapstructure:"local_port" validate:"min=1,max=65535"`
	SSHBinary string `mapstructure:"ssh_binary" validate:"required"`
	ExtraArgs string `mapstructure:"extra_args"` // shell-quoted, appended before the destination
}

// LogConfig controls the structured logger
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	File  string `mapstructure:"file"` // empty = stdout
}

var defaults = map[string]any{
	"server_url":         "http://wcserv.local:5000",
	"hostname":           "",
	"key_path":           "~/.ssh/id_ed25519",
	"keygen_binary":      "ssh-keygen",
	"notes":              "connectbox agent",
	"requested_port":     22222,
	"poll_interval":      5 * time.Second,
	"heartbeat_interval": 30 * time.Second,
	"http_timeout":       10 * time.Second,
	"request_rate":       0.0,
	"listen":             "127.0.0.1:8787",
	"max_clients":        8,
	"auto_connect":       false,
	"tunnel.user":        "connectbox",
	"tunnel.host":        "",
	"tunnel.local_port":  22,
	"tunnel.ssh_binary":  "ssh",
	"tunnel.extra_args":  "",
	"log.level":          "info",
	"log.file":           "",
}

// LoadConfig resolves configuration from (lowest to highest priority)
// built-in defaults, an optional YAML file, CONNECTBOX_* environment
// variables and command line flags.
func LoadConfig(args []string) (*Config, error) {
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	configFile := fs.StringP("config", "c", "", "Path to a YAML config file")
	fs.String("server-url", defaults["server_url"].(string), "Jump server base URL")
	fs.String("hostname", "", "Device name reported to the jump server (default: system hostname)")
	fs.String("key-path", defaults["key_path"].(string), "Private key path; the public key is <path>.pub")
	fs.String("notes", defaults["notes"].(string), "Free-text note sent with the registration request")
	fs.Duration("poll-interval", defaults["poll_interval"].(time.Duration), "Interval between approval polls")
	fs.Duration("heartbeat-interval", defaults["heartbeat_interval"].(time.Duration), "Interval between liveness pings")
	fs.String("listen", defaults["listen"].(string), "Local control server address")
	fs.String("tunnel-user", defaults["tunnel.user"].(string), "Account on the jump server used for the tunnel")
	fs.String("tunnel-host", "", "Jump server SSH host (default: host of --server-url)")
	fs.String("log-level", defaults["log.level"].(string), "Log level: debug | info | warn | error")
	fs.String("log-file", "", "Write logs to this file (rotated) instead of stdout")
	fs.Bool("auto", false, "Register, wait for approval, then start heartbeat and tunnel")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	bindings := map[string]string{
		"server_url":         "server-url",
		"hostname":           "hostname",
		"key_path":           "key-path",
		"notes":              "notes",
		"poll_interval":      "poll-interval",
		"heartbeat_interval": "heartbeat-interval",
		"listen":             "listen",
		"tunnel.user":        "tunnel-user",
		"tunnel.host":        "tunnel-host",
		"log.level":          "log-level",
		"log.file":           "log-file",
		"auto_connect":       "auto",
	}
	for key, name := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolve fills in values derived from the environment
func (c *Config) resolve() error {
	if c.Hostname == "" {
		name, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to determine hostname: %w", err)
		}
		c.Hostname = name
	}

	path, err := expandHome(c.KeyPath)
	if err != nil {
		return err
	}
	c.KeyPath = path

	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	if c.Tunnel.Host == "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			return fmt.Errorf("invalid server_url: %w", err)
		}
		c.Tunnel.Host = u.Hostname()
	}
	return nil
}

// Validate checks struct constraints
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Tunnel.Host == "" {
		return errors.New("invalid config: tunnel host is empty and cannot be derived from server_url")
	}
	return nil
}

// PublicKeyPath returns the path of the public half of the managed key
func (c *Config) PublicKeyPath() string {
	return c.KeyPath + ".pub"
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
