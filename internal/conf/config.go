// Package conf loads and validates the monitoring service configuration.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/novakit/opsmon/internal/logger"
)

// Channel types recognized in notification configuration.
const (
	ChannelTypeEmail   = "email"
	ChannelTypeChat    = "chat"
	ChannelTypeWebhook = "webhook"
	ChannelTypeMQTT    = "mqtt"
)

// Settings is the full configuration surface of the monitoring service.
type Settings struct {
	ServiceName string `mapstructure:"service_name"`

	// Loop intervals for the three background workers.
	MetricsCollectionInterval Duration `mapstructure:"metrics_collection_interval"`
	HealthCheckInterval       Duration `mapstructure:"health_check_interval"`
	AlertProcessingInterval   Duration `mapstructure:"alert_processing_interval"`

	AutoRecoveryEnabled bool `mapstructure:"auto_recovery_enabled"`
	DataRetentionDays   int  `mapstructure:"data_retention_days"`

	// DatabasePath is the sqlite file backing metric and history persistence.
	// ":memory:" is accepted for ephemeral runs.
	DatabasePath string `mapstructure:"database_path"`

	// ListenAddr serves the operational endpoints (/healthz, /metrics, /status).
	ListenAddr string `mapstructure:"listen_addr"`

	// ProbeURL is the loopback API endpoint checked by the health checker.
	// Empty disables the probe.
	ProbeURL string `mapstructure:"probe_url"`

	// TempDir is scanned by the purge_temp_files recovery action.
	TempDir string `mapstructure:"temp_dir"`

	SentryDSN string `mapstructure:"sentry_dsn"`

	Thresholds    Thresholds      `mapstructure:"thresholds"`
	Notifications []ChannelConfig `mapstructure:"notifications"`
}

// Thresholds holds resource limits used by health checks and default rules.
type Thresholds struct {
	CPUWarningPercent     float64 `mapstructure:"cpu_warning_percent"`
	CPUCriticalPercent    float64 `mapstructure:"cpu_critical_percent"`
	MemoryWarningPercent  float64 `mapstructure:"memory_warning_percent"`
	MemoryCriticalPercent float64 `mapstructure:"memory_critical_percent"`
	DiskWarningPercent    float64 `mapstructure:"disk_warning_percent"`
	DiskCriticalPercent   float64 `mapstructure:"disk_critical_percent"`
	LoadCritical          float64 `mapstructure:"load_critical"`
}

// ChannelConfig describes one notification delivery target.
type ChannelConfig struct {
	ID      string `mapstructure:"id"`
	Type    string `mapstructure:"type"`
	Enabled bool   `mapstructure:"enabled"`

	// URL is a shoutrrr service URL for email/chat channels, or the HTTP
	// endpoint for webhook channels, or the broker address for mqtt channels.
	URL   string `mapstructure:"url"`
	Topic string `mapstructure:"topic"`

	// MinSeverity filters deliveries: low, medium, high, critical.
	MinSeverity string `mapstructure:"min_severity"`
}

// Defaults returns settings suitable for running without a config file.
func Defaults() *Settings {
	return &Settings{
		ServiceName:               "opsmon",
		MetricsCollectionInterval: Duration(60 * time.Second),
		HealthCheckInterval:       Duration(60 * time.Second),
		AlertProcessingInterval:   Duration(30 * time.Second),
		AutoRecoveryEnabled:       true,
		DataRetentionDays:         30,
		DatabasePath:              "opsmon.db",
		ListenAddr:                ":9190",
		TempDir:                   "",
		Thresholds: Thresholds{
			CPUWarningPercent:     80,
			CPUCriticalPercent:    95,
			MemoryWarningPercent:  85,
			MemoryCriticalPercent: 95,
			DiskWarningPercent:    85,
			DiskCriticalPercent:   95,
			LoadCritical:          8,
		},
	}
}

// Load reads settings from the given config file (YAML), layered over defaults
// and OPSMON_* environment variables. An empty path skips the file entirely.
func Load(path string, log logger.Logger) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OPSMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	settings := Defaults()
	if err := v.Unmarshal(settings, viper.DecodeHook(DurationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	settings.normalize(log)
	return settings, nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("service_name", d.ServiceName)
	v.SetDefault("metrics_collection_interval", d.MetricsCollectionInterval.Std().String())
	v.SetDefault("health_check_interval", d.HealthCheckInterval.Std().String())
	v.SetDefault("alert_processing_interval", d.AlertProcessingInterval.Std().String())
	v.SetDefault("auto_recovery_enabled", d.AutoRecoveryEnabled)
	v.SetDefault("data_retention_days", d.DataRetentionDays)
	v.SetDefault("database_path", d.DatabasePath)
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("thresholds.cpu_warning_percent", d.Thresholds.CPUWarningPercent)
	v.SetDefault("thresholds.cpu_critical_percent", d.Thresholds.CPUCriticalPercent)
	v.SetDefault("thresholds.memory_warning_percent", d.Thresholds.MemoryWarningPercent)
	v.SetDefault("thresholds.memory_critical_percent", d.Thresholds.MemoryCriticalPercent)
	v.SetDefault("thresholds.disk_warning_percent", d.Thresholds.DiskWarningPercent)
	v.SetDefault("thresholds.disk_critical_percent", d.Thresholds.DiskCriticalPercent)
	v.SetDefault("thresholds.load_critical", d.Thresholds.LoadCritical)
}

// minInterval guards against loop intervals short enough to starve the process.
const minInterval = time.Second

// normalize clamps out-of-range values back to defaults, warning once per field.
// Invalid configuration degrades to a usable state instead of failing startup.
func (s *Settings) normalize(log logger.Logger) {
	d := Defaults()
	if s.ServiceName == "" {
		s.ServiceName = d.ServiceName
	}
	clampInterval(&s.MetricsCollectionInterval, d.MetricsCollectionInterval, "metrics_collection_interval", log)
	clampInterval(&s.HealthCheckInterval, d.HealthCheckInterval, "health_check_interval", log)
	clampInterval(&s.AlertProcessingInterval, d.AlertProcessingInterval, "alert_processing_interval", log)
	if s.DataRetentionDays <= 0 {
		if log != nil {
			log.Warn("invalid data_retention_days, using default",
				logger.Int("configured", s.DataRetentionDays),
				logger.Int("default", d.DataRetentionDays))
		}
		s.DataRetentionDays = d.DataRetentionDays
	}
	if s.DatabasePath == "" {
		s.DatabasePath = d.DatabasePath
	}
	for i := range s.Notifications {
		ch := &s.Notifications[i]
		if ch.ID == "" {
			ch.ID = fmt.Sprintf("%s-%d", ch.Type, i)
		}
		if ch.MinSeverity == "" {
			ch.MinSeverity = "low"
		}
	}
}

func clampInterval(v *Duration, def Duration, name string, log logger.Logger) {
	if v.Std() >= minInterval {
		return
	}
	if log != nil {
		log.Warn("interval below minimum, using default",
			logger.String("option", name),
			logger.Duration("configured", v.Std()),
			logger.Duration("default", def.Std()))
	}
	*v = def
}
