package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"gocellar/pkg/cluster"
	"gocellar/pkg/event"
	"gocellar/pkg/policy"
	"gocellar/pkg/transport"
	"gocellar/storage"
)

// Config represents the node configuration
type Config struct {
	Node      NodeConfig      `mapstructure:"node" yaml:"node"`
	Cluster   ClusterConfig   `mapstructure:"cluster" yaml:"cluster"`
	Switches  SwitchConfig    `mapstructure:"switches" yaml:"switches"`
	Fabric    FabricConfig    `mapstructure:"fabric" yaml:"fabric"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Raft      RaftConfig      `mapstructure:"raft" yaml:"raft"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// NodeConfig identifies the local node
type NodeConfig struct {
	ID   string `mapstructure:"id" yaml:"id"`
	Name string `mapstructure:"name" yaml:"name,omitempty"`
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// ClusterConfig contains group membership and group policies. Viper folds
// keys to lower case, so group names are lower case.
type ClusterConfig struct {
	DefaultGroup string                               `mapstructure:"default_group" yaml:"default_group"`
	ExcludeSelf  bool                                 `mapstructure:"exclude_self" yaml:"exclude_self"`
	Groups       map[string]policy.GroupConfiguration `mapstructure:"groups" yaml:"groups"`
}

// SwitchConfig holds the initial switch states (on/off)
type SwitchConfig struct {
	Producer string            `mapstructure:"producer" yaml:"producer"`
	Consumer string            `mapstructure:"consumer" yaml:"consumer"`
	Handlers map[string]string `mapstructure:"handlers" yaml:"handlers,omitempty"`
}

// FabricConfig tunes command execution and dispatch
type FabricConfig struct {
	CommandTimeout  time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	DispatchWorkers int           `mapstructure:"dispatch_workers" yaml:"dispatch_workers"`
	QueueSize       int           `mapstructure:"queue_size" yaml:"queue_size"`
}

// TransportConfig selects how frames travel between nodes
type TransportConfig struct {
	Kind          string        `mapstructure:"kind" yaml:"kind"`
	BindAddr      string        `mapstructure:"bind_addr" yaml:"bind_addr"`
	Scheme        string        `mapstructure:"scheme" yaml:"scheme,omitempty"`
	SendTimeout   time.Duration `mapstructure:"send_timeout" yaml:"send_timeout"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
	MaxMsgSize    int           `mapstructure:"max_msg_size" yaml:"max_msg_size"`
}

// StorageConfig contains storage-related configuration
type StorageConfig struct {
	Backend   string `mapstructure:"backend" yaml:"backend"`
	DataDir   string `mapstructure:"data_dir" yaml:"data_dir"`
	CacheSize int64  `mapstructure:"cache_size" yaml:"cache_size"`
}

// RaftPeerConfig is a bootstrap voter
type RaftPeerConfig struct {
	ID      string `mapstructure:"id" yaml:"id"`
	Address string `mapstructure:"address" yaml:"address"`
}

// RaftConfig contains replication configuration for the shared maps
type RaftConfig struct {
	Enabled       bool             `mapstructure:"enabled" yaml:"enabled"`
	BindAddr      string           `mapstructure:"bind_addr" yaml:"bind_addr"`
	AdvertiseAddr string           `mapstructure:"advertise_addr" yaml:"advertise_addr,omitempty"`
	DataDir       string           `mapstructure:"data_dir" yaml:"data_dir"`
	Bootstrap     bool             `mapstructure:"bootstrap" yaml:"bootstrap"`
	Peers         []RaftPeerConfig `mapstructure:"peers" yaml:"peers,omitempty"`
	ApplyTimeout  time.Duration    `mapstructure:"apply_timeout" yaml:"apply_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// Loader reads the configuration and watches its file.
type Loader struct {
	v    *viper.Viper
	path string

	mu       sync.Mutex
	watching bool
}

// NewLoader reads path, or config.yaml from the usual locations when path is
// empty.
func NewLoader(path string) *Loader {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/gocellar")
	}
	setDefaults(v)

	v.SetEnvPrefix("GOCELLAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v, path: path}
}

// LoadConfig loads configuration from file and environment
func LoadConfig(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Load reads the file (a missing default file is not an error) and validates
// the result.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Set overrides a key above the file and the environment, e.g. from a flag.
func (l *Loader) Set(key string, value interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.v.Set(key, value)
}

// ConfigFile returns the file in use, if any.
func (l *Loader) ConfigFile() string { return l.v.ConfigFileUsed() }

// Watch calls onChange with the reloaded configuration each time the file
// changes. Invalid edits are reported through the error and leave the
// running configuration alone.
func (l *Loader) Watch(onChange func(*Config, error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watching || l.v.ConfigFileUsed() == "" {
		return
	}
	l.watching = true
	l.v.OnConfigChange(func(fsnotify.Event) {
		onChange(l.decode())
	})
	l.v.WatchConfig()
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Node defaults
	v.SetDefault("node.id", "")
	v.SetDefault("node.host", "127.0.0.1")
	v.SetDefault("node.port", 5701)

	// Cluster defaults
	v.SetDefault("cluster.default_group", "default")
	v.SetDefault("cluster.exclude_self", true)

	// Switch defaults
	v.SetDefault("switches.producer", "on")
	v.SetDefault("switches.consumer", "on")

	// Fabric defaults
	v.SetDefault("fabric.command_timeout", event.DefaultTimeout)
	v.SetDefault("fabric.dispatch_workers", 4)
	v.SetDefault("fabric.queue_size", 1024)

	// Transport defaults
	v.SetDefault("transport.kind", transport.KindGRPC)
	v.SetDefault("transport.bind_addr", "")
	v.SetDefault("transport.scheme", "tcp")
	v.SetDefault("transport.send_timeout", 5*time.Second)
	v.SetDefault("transport.max_retries", 3)
	v.SetDefault("transport.retry_interval", 50*time.Millisecond)
	v.SetDefault("transport.max_msg_size", 16<<20)

	// Storage defaults
	v.SetDefault("storage.backend", storage.BackendMemory)
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.cache_size", 64<<20)

	// Raft defaults
	v.SetDefault("raft.enabled", false)
	v.SetDefault("raft.bind_addr", "127.0.0.1:7701")
	v.SetDefault("raft.data_dir", "./data/raft")
	v.SetDefault("raft.bootstrap", false)
	v.SetDefault("raft.apply_timeout", 5*time.Second)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9701")
	v.SetDefault("metrics.path", "/metrics")
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if cfg.Node.Port < 1 || cfg.Node.Port > 65535 {
		return fmt.Errorf("node.port must be between 1 and 65535")
	}
	if cfg.Cluster.DefaultGroup == "" {
		return fmt.Errorf("cluster.default_group cannot be empty")
	}
	if _, ok := cfg.Cluster.Groups[cfg.Cluster.DefaultGroup]; !ok {
		if cfg.Cluster.Groups == nil {
			cfg.Cluster.Groups = make(map[string]policy.GroupConfiguration)
		}
		// every group needs a configuration for the policy checks to pass
		cfg.Cluster.Groups[cfg.Cluster.DefaultGroup] = policy.GroupConfiguration{}
	}

	if _, err := event.ParseStatus(cfg.Switches.Producer); err != nil {
		return fmt.Errorf("switches.producer: %w", err)
	}
	if _, err := event.ParseStatus(cfg.Switches.Consumer); err != nil {
		return fmt.Errorf("switches.consumer: %w", err)
	}
	for kind, status := range cfg.Switches.Handlers {
		if _, err := event.ParseKind(kind); err != nil {
			return fmt.Errorf("switches.handlers: %w", err)
		}
		if _, err := event.ParseStatus(status); err != nil {
			return fmt.Errorf("switches.handlers.%s: %w", kind, err)
		}
	}

	if cfg.Fabric.CommandTimeout <= 0 {
		return fmt.Errorf("fabric.command_timeout must be positive")
	}

	switch cfg.Transport.Kind {
	case transport.KindMemory, transport.KindGRPC, transport.KindNNG:
	default:
		return fmt.Errorf("transport.kind must be one of %s, %s, %s", transport.KindMemory, transport.KindGRPC, transport.KindNNG)
	}
	if cfg.Transport.BindAddr == "" {
		cfg.Transport.BindAddr = cluster.Node{Host: cfg.Node.Host, Port: cfg.Node.Port}.Address()
	}

	switch cfg.Storage.Backend {
	case storage.BackendMemory, storage.BackendBadger:
	default:
		return fmt.Errorf("storage.backend must be %s or %s", storage.BackendMemory, storage.BackendBadger)
	}
	cfg.Storage.DataDir = filepath.Clean(cfg.Storage.DataDir)

	if cfg.Raft.Enabled {
		cfg.Raft.DataDir = filepath.Clean(cfg.Raft.DataDir)
		if cfg.Raft.BindAddr == "" {
			return fmt.Errorf("raft.bind_addr is required when raft is enabled")
		}
		if cfg.Transport.Kind != transport.KindGRPC {
			return fmt.Errorf("raft requires the grpc transport to forward writes to the leader")
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// LocalNode builds the cluster identity of this node.
func (c *Config) LocalNode() cluster.Node {
	return cluster.Node{ID: c.Node.ID, Name: c.Node.Name, Host: c.Node.Host, Port: c.Node.Port}
}

// SwitchStates converts the switch section for a SwitchBoard. Call after
// validation.
func (c *Config) SwitchStates() map[string]event.Status {
	out := make(map[string]event.Status, 2+len(c.Switches.Handlers))
	out[event.ProducerSwitch], _ = event.ParseStatus(c.Switches.Producer)
	out[event.ConsumerSwitch], _ = event.ParseStatus(c.Switches.Consumer)
	for name, status := range c.Switches.Handlers {
		k, _ := event.ParseKind(name)
		out[event.HandlerSwitch(k)], _ = event.ParseStatus(status)
	}
	return out
}

// RetryPolicy returns the transport retry settings.
func (c *Config) RetryPolicy() transport.RetryPolicy {
	p := transport.DefaultRetryPolicy()
	p.MaxRetries = c.Transport.MaxRetries
	if c.Transport.RetryInterval > 0 {
		p.InitialInterval = c.Transport.RetryInterval
	}
	return p
}

// RaftPeers converts the bootstrap voter list.
func (c *Config) RaftPeers() []cluster.RaftPeer {
	peers := make([]cluster.RaftPeer, 0, len(c.Raft.Peers))
	for _, p := range c.Raft.Peers {
		peers = append(peers, cluster.RaftPeer{ID: p.ID, Address: p.Address})
	}
	return peers
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// GetDefaultConfig returns a default configuration for node id
func GetDefaultConfig(id string) *Config {
	v := viper.New()
	setDefaults(v)
	v.Set("node.id", id)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	_ = validateConfig(&cfg)
	return &cfg
}
