package config

import (
	"database/sql"
	"fmt"
	"os"
	"path"
	"time"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

const (
	defaultConfigPath = "/config.yaml"
	configPathEnv     = "SQLSTRESS_CONFIG"
)

type HttpConfig struct {
	Listen      string `yaml:"listen"`
	AllowOrigin string `yaml:"allow_origin"`
}

// RunnerConfig tunes the stress test orchestration.
type RunnerConfig struct {
	// DrainInterval is how long the diagnostic session stays open after the
	// last execution so trailing events can still be correlated.
	DrainInterval       time.Duration `yaml:"drain_interval"`
	ApplicationName     string        `yaml:"application_name"`
	AdminAppName        string        `yaml:"admin_application_name"`
	ReconnectBackoff    time.Duration `yaml:"reconnect_backoff"`
	MaxReconnectBackoff time.Duration `yaml:"max_reconnect_backoff"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	StopTimeout         time.Duration `yaml:"stop_timeout"`
	MaxEventsPerExec    int           `yaml:"max_events_per_execution"`
}

type SessionConfig struct {
	// InstanceName makes the session name unique per process on a host.
	InstanceName   string `yaml:"instance_name"`
	RingBufferKB   int    `yaml:"ring_buffer_kb"`
	MaxDispatchSec int    `yaml:"max_dispatch_latency_seconds"`
}

type EventSourceConfig struct {
	// Kind is either "ring_buffer" or "file"
	Kind         string        `yaml:"kind"`
	PollInterval time.Duration `yaml:"poll_interval"`
	FilePath     string        `yaml:"file_path"`
	FromStart    bool          `yaml:"from_start"`
}

type BroadcastConfig struct {
	SubscriberBuffer  int           `yaml:"subscriber_buffer"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// ConnectionConfig is a statically configured connection profile.
type ConnectionConfig struct {
	ID                     string `yaml:"id"`
	Name                   string `yaml:"name"`
	Server                 string `yaml:"server"`
	Port                   int    `yaml:"port"`
	Database               string `yaml:"database"`
	Username               string `yaml:"username"`
	Password               string `yaml:"password"`
	Encrypt                string `yaml:"encrypt"`
	TrustServerCertificate bool   `yaml:"trust_server_certificate"`
}

type LogFormat struct {
	Json     bool   `yaml:"json"`
	JsonPath string `yaml:"path"`
	Level    string `yaml:"level"`
}

type TracingConfig struct {
	Stdout      bool   `yaml:"stdout"`
	ServiceName string `yaml:"service_name"`
}

type SQLStressConfig struct {
	HttpConfig        *HttpConfig         `yaml:"http"`
	DBConf            *MySQLConfig        `yaml:"db"`
	RunnerConfig      *RunnerConfig       `yaml:"runner"`
	SessionConfig     *SessionConfig      `yaml:"session"`
	EventSourceConfig *EventSourceConfig  `yaml:"event_source"`
	BroadcastConfig   *BroadcastConfig    `yaml:"broadcast"`
	Connections       []*ConnectionConfig `yaml:"connections"`
	LogFormat         *LogFormat          `yaml:"log_format"`
	Tracing           *TracingConfig      `yaml:"tracing"`

	// below are configs generated from above values
	DBC *sql.DB `yaml:"-"`
}

func defaultConfig() *SQLStressConfig {
	return &SQLStressConfig{
		HttpConfig: &HttpConfig{
			Listen:      ":8080",
			AllowOrigin: "*",
		},
		RunnerConfig: &RunnerConfig{
			DrainInterval:       2 * time.Second,
			ApplicationName:     "sqlstress-worker",
			AdminAppName:        "sqlstress-admin",
			ReconnectBackoff:    500 * time.Millisecond,
			MaxReconnectBackoff: 5 * time.Second,
			SweepInterval:       time.Second,
			StopTimeout:         30 * time.Second,
			MaxEventsPerExec:    1000,
		},
		SessionConfig: &SessionConfig{
			InstanceName:   "default",
			RingBufferKB:   4096,
			MaxDispatchSec: 1,
		},
		EventSourceConfig: &EventSourceConfig{
			Kind:         "ring_buffer",
			PollInterval: 500 * time.Millisecond,
		},
		BroadcastConfig: &BroadcastConfig{
			SubscriberBuffer:  256,
			HeartbeatInterval: 5 * time.Second,
		},
		LogFormat: &LogFormat{},
		Tracing: &TracingConfig{
			ServiceName: "sqlstress",
		},
	}
}

// Default returns a configuration with every tunable set, for callers that
// run without a config file.
func Default() *SQLStressConfig {
	return defaultConfig()
}

// ConfigPath returns the config path from the environment, falling back to
// the default location.
func ConfigPath() string {
	if p := os.Getenv(configPathEnv); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads a YAML (or JSON) config file on top of the defaults.
func Load(p string) (*SQLStressConfig, error) {
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", p, err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*SQLStressConfig, error) {
	sc := defaultConfig()
	if err := yaml.Unmarshal(raw, sc); err != nil {
		return nil, fmt.Errorf("cannot unmarshal config: %w", err)
	}
	sc.fillDefaults()
	return sc, nil
}

// fillDefaults restores defaults for sections that were present in the file
// but left some values empty.
func (sc *SQLStressConfig) fillDefaults() {
	d := defaultConfig()
	if sc.HttpConfig == nil {
		sc.HttpConfig = d.HttpConfig
	}
	if sc.HttpConfig.Listen == "" {
		sc.HttpConfig.Listen = d.HttpConfig.Listen
	}
	if sc.RunnerConfig == nil {
		sc.RunnerConfig = d.RunnerConfig
	}
	rc := sc.RunnerConfig
	if rc.DrainInterval <= 0 {
		rc.DrainInterval = d.RunnerConfig.DrainInterval
	}
	if rc.ApplicationName == "" {
		rc.ApplicationName = d.RunnerConfig.ApplicationName
	}
	if rc.AdminAppName == "" {
		rc.AdminAppName = d.RunnerConfig.AdminAppName
	}
	if rc.ReconnectBackoff <= 0 {
		rc.ReconnectBackoff = d.RunnerConfig.ReconnectBackoff
	}
	if rc.MaxReconnectBackoff < rc.ReconnectBackoff {
		rc.MaxReconnectBackoff = d.RunnerConfig.MaxReconnectBackoff
	}
	if rc.SweepInterval <= 0 {
		rc.SweepInterval = d.RunnerConfig.SweepInterval
	}
	if rc.StopTimeout <= 0 {
		rc.StopTimeout = d.RunnerConfig.StopTimeout
	}
	if rc.MaxEventsPerExec <= 0 {
		rc.MaxEventsPerExec = d.RunnerConfig.MaxEventsPerExec
	}
	if sc.SessionConfig == nil {
		sc.SessionConfig = d.SessionConfig
	}
	if sc.SessionConfig.InstanceName == "" {
		sc.SessionConfig.InstanceName = d.SessionConfig.InstanceName
	}
	if sc.SessionConfig.RingBufferKB <= 0 {
		sc.SessionConfig.RingBufferKB = d.SessionConfig.RingBufferKB
	}
	if sc.SessionConfig.MaxDispatchSec <= 0 {
		sc.SessionConfig.MaxDispatchSec = d.SessionConfig.MaxDispatchSec
	}
	if sc.EventSourceConfig == nil {
		sc.EventSourceConfig = d.EventSourceConfig
	}
	if sc.EventSourceConfig.Kind == "" {
		sc.EventSourceConfig.Kind = d.EventSourceConfig.Kind
	}
	if sc.EventSourceConfig.PollInterval <= 0 {
		sc.EventSourceConfig.PollInterval = d.EventSourceConfig.PollInterval
	}
	if sc.BroadcastConfig == nil {
		sc.BroadcastConfig = d.BroadcastConfig
	}
	if sc.BroadcastConfig.SubscriberBuffer <= 0 {
		sc.BroadcastConfig.SubscriberBuffer = d.BroadcastConfig.SubscriberBuffer
	}
	if sc.LogFormat == nil {
		sc.LogFormat = d.LogFormat
	}
	if sc.Tracing == nil {
		sc.Tracing = d.Tracing
	}
	if sc.Tracing.ServiceName == "" {
		sc.Tracing.ServiceName = d.Tracing.ServiceName
	}
}

func applyJsonLogging(lf *LogFormat) error {
	log.SetFormatter(&log.JSONFormatter{})
	if lf.JsonPath == "" {
		return nil
	}
	if err := os.MkdirAll(lf.JsonPath, os.ModePerm); err != nil {
		return err
	}
	file, err := os.OpenFile(path.Join(lf.JsonPath, "sqlstress.json"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("failed to log to file: %w", err)
	}
	log.SetOutput(file)
	return nil
}

func SetupLogging(sc *SQLStressConfig) error {
	log.SetOutput(os.Stdout)
	log.SetReportCaller(true)
	if sc.LogFormat == nil {
		return nil
	}
	if sc.LogFormat.Level != "" {
		level, err := log.ParseLevel(sc.LogFormat.Level)
		if err != nil {
			return err
		}
		log.SetLevel(level)
	}
	if sc.LogFormat.Json {
		return applyJsonLogging(sc.LogFormat)
	}
	return nil
}

// Connect opens the optional MySQL store used for connection profiles and
// run history.
func (sc *SQLStressConfig) Connect() error {
	if sc.DBConf == nil {
		return nil
	}
	db, err := createMySQLClient(sc.DBConf)
	if err != nil {
		return err
	}
	sc.DBC = db
	return nil
}
