package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/yuuki/actorvm/internal/rdma"
)

// EnvPrefix is prepended to every environment variable the worker reads
const EnvPrefix = "ACTORVM_WORKER"

// WorkerConfig holds configuration for a worker process
type WorkerConfig struct {
	WorkerID          string
	ListenAddr        string
	AdvertiseAddr     string
	Backend           string
	DeviceName        string
	GIDIndex          int
	DatabaseURI       string
	RegistryRefresh   time.Duration
	LogLevel          string
	MetricsEnabled    bool
	OtelCollectorAddr string

	MsgsPerBulk       int
	PoolWarnRegions   int
	RecvDepth         int
	SendDepth         int
	SendRatePerSecond int
	MaxBootstrapConns int
	Peers             []string

	SchedulerWorkers      int
	DispatchRatePerSecond int

	SharedMemoryName string
	SharedMemorySize int
}

// SetupWorkerFlags sets up the command line flags for the worker
func SetupWorkerFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("create-config", false, "Create a default configuration file")
	flagSet.String("config-output", "worker.yaml", "Path where to write the default configuration")
	flagSet.Bool("version", false, "Show version information")
	flagSet.String("worker-id", "", "Worker ID (defaults to the hostname)")
	flagSet.String("listen-addr", "0.0.0.0:7470", "Address to listen on for bootstrap connections")
	flagSet.String("advertise-addr", "", "Bootstrap address published in the worker directory (defaults to listen-addr)")
	flagSet.String("backend", string(rdma.KindAuto), "RDMA backend (auto, verbs, loopback, unsupported)")
	flagSet.String("device", "", "RDMA device name (empty picks the first device)")
	flagSet.Int("gid-index", 0, "GID index used for RoCE addressing")
	flagSet.String("database-uri", "", "rqlite URI of the worker directory (empty disables it)")
	flagSet.Duration("registry-refresh", 30*time.Second, "Interval between worker directory refreshes")
	flagSet.String("log-level", "info", "Log level (debug, info, warn, error)")
	flagSet.Bool("metrics-enabled", false, "Export OpenTelemetry metrics")
	flagSet.String("otel-collector-addr", "localhost:4317", "OpenTelemetry collector address")
	flagSet.Int("msgs-per-bulk", 64, "Message buffers registered per bulk allocation")
	flagSet.Int("pool-warn-regions", 16, "Warn each time the message pool grows by this many regions (0 disables)")
	flagSet.Int("recv-depth", 32, "Receive buffers kept posted per queue pair")
	flagSet.Int("send-depth", 32, "Sends that may await completion per queue pair")
	flagSet.Int("send-rate", 0, "Actor messages per second per queue pair (0 is unlimited)")
	flagSet.Int("max-bootstrap-conns", 64, "Concurrent bootstrap connections accepted")
	flagSet.StringSlice("peers", nil, "Bootstrap addresses of peers to connect to")
	flagSet.Int("scheduler-workers", 4, "Instruction scheduler worker goroutines")
	flagSet.Int("dispatch-rate", 0, "Instructions dispatched per second (0 is unlimited)")
	flagSet.String("shm-name", "", "Name of the shared buffer segment (empty generates one)")
	flagSet.Int("shm-size", 0, "Size in bytes of the shared buffer segment (0 disables it)")
}

func setWorkerDefaults(v *viper.Viper) {
	v.SetDefault("worker-id", defaultWorkerID())
	v.SetDefault("listen-addr", "0.0.0.0:7470")
	v.SetDefault("advertise-addr", "")
	v.SetDefault("backend", string(rdma.KindAuto))
	v.SetDefault("device", "")
	v.SetDefault("gid-index", 0)
	v.SetDefault("database-uri", "")
	v.SetDefault("registry-refresh", 30*time.Second)
	v.SetDefault("log-level", "info")
	v.SetDefault("metrics-enabled", false)
	v.SetDefault("otel-collector-addr", "localhost:4317")
	v.SetDefault("msgs-per-bulk", 64)
	v.SetDefault("pool-warn-regions", 16)
	v.SetDefault("recv-depth", 32)
	v.SetDefault("send-depth", 32)
	v.SetDefault("send-rate", 0)
	v.SetDefault("max-bootstrap-conns", 64)
	v.SetDefault("peers", []string{})
	v.SetDefault("scheduler-workers", 4)
	v.SetDefault("dispatch-rate", 0)
	v.SetDefault("shm-name", "")
	v.SetDefault("shm-size", 0)
}

// LoadWorkerConfig loads the worker configuration from flags, environment
// variables and an optional config file, in that order of precedence.
// flagSet may be nil.
func LoadWorkerConfig(flagSet *pflag.FlagSet) (*WorkerConfig, error) {
	v := viper.New()
	setWorkerDefaults(v)

	// Environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if flagSet != nil {
		if err := v.BindPFlags(flagSet); err != nil {
			return nil, fmt.Errorf("error binding flags: %w", err)
		}
	}

	configPath := v.GetString("config")
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		v.SetConfigName("worker")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.actorvm")
		v.AddConfigPath("/etc/actorvm")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg := &WorkerConfig{
		WorkerID:              v.GetString("worker-id"),
		ListenAddr:            v.GetString("listen-addr"),
		AdvertiseAddr:         v.GetString("advertise-addr"),
		Backend:               v.GetString("backend"),
		DeviceName:            v.GetString("device"),
		GIDIndex:              v.GetInt("gid-index"),
		DatabaseURI:           v.GetString("database-uri"),
		RegistryRefresh:       v.GetDuration("registry-refresh"),
		LogLevel:              v.GetString("log-level"),
		MetricsEnabled:        v.GetBool("metrics-enabled"),
		OtelCollectorAddr:     v.GetString("otel-collector-addr"),
		MsgsPerBulk:           v.GetInt("msgs-per-bulk"),
		PoolWarnRegions:       v.GetInt("pool-warn-regions"),
		RecvDepth:             v.GetInt("recv-depth"),
		SendDepth:             v.GetInt("send-depth"),
		SendRatePerSecond:     v.GetInt("send-rate"),
		MaxBootstrapConns:     v.GetInt("max-bootstrap-conns"),
		Peers:                 splitPeers(v.GetStringSlice("peers")),
		SchedulerWorkers:      v.GetInt("scheduler-workers"),
		DispatchRatePerSecond: v.GetInt("dispatch-rate"),
		SharedMemoryName:      v.GetString("shm-name"),
		SharedMemorySize:      v.GetInt("shm-size"),
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and the backend name
func (c *WorkerConfig) Validate() error {
	var errs []error
	if _, err := rdma.ParseKind(c.Backend); err != nil {
		errs = append(errs, err)
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen-addr must not be empty"))
	}
	if c.MsgsPerBulk <= 0 {
		errs = append(errs, fmt.Errorf("msgs-per-bulk must be positive, got %d", c.MsgsPerBulk))
	}
	if c.RecvDepth <= 0 {
		errs = append(errs, fmt.Errorf("recv-depth must be positive, got %d", c.RecvDepth))
	}
	if c.SendDepth <= 0 {
		errs = append(errs, fmt.Errorf("send-depth must be positive, got %d", c.SendDepth))
	}
	if c.SchedulerWorkers <= 0 {
		errs = append(errs, fmt.Errorf("scheduler-workers must be positive, got %d", c.SchedulerWorkers))
	}
	if c.SendRatePerSecond < 0 || c.DispatchRatePerSecond < 0 {
		errs = append(errs, errors.New("rates must not be negative"))
	}
	if c.SharedMemorySize < 0 {
		errs = append(errs, fmt.Errorf("shm-size must not be negative, got %d", c.SharedMemorySize))
	}
	if c.DatabaseURI != "" && c.RegistryRefresh <= 0 {
		errs = append(errs, errors.New("registry-refresh must be positive when a database is configured"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid worker configuration: %w", errors.Join(errs...))
	}
	return nil
}

// splitPeers accepts both list values and a single comma separated string,
// which is how environment variables arrive
func splitPeers(values []string) []string {
	var peers []string
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				peers = append(peers, p)
			}
		}
	}
	return peers
}

// CreateDefaultWorkerConfig creates a default configuration file for a worker
func CreateDefaultWorkerConfig(path string) error {
	configContent := `# actorvm Worker Configuration
worker-id: "" # Leave empty to use hostname
listen-addr: "0.0.0.0:7470"
advertise-addr: "" # Leave empty to publish listen-addr
backend: "auto" # auto, verbs, loopback, unsupported
device: "" # Leave empty to use the first RDMA device
gid-index: 0
database-uri: "" # e.g. http://localhost:4001, empty disables the worker directory
registry-refresh: "30s"
log-level: "info" # debug, info, warn, error
metrics-enabled: false
otel-collector-addr: "localhost:4317"
msgs-per-bulk: 64
pool-warn-regions: 16
recv-depth: 32
send-depth: 32
send-rate: 0 # messages per second per queue pair, 0 is unlimited
max-bootstrap-conns: 64
peers: []
scheduler-workers: 4
dispatch-rate: 0 # instructions per second, 0 is unlimited
shm-name: ""
shm-size: 0 # bytes, 0 disables the shared buffer segment
`

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// defaultWorkerID is the hostname, or a pid-based id when it is unknown
func defaultWorkerID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
