// Package config resolves the core's recognized options (§6) via viper,
// with environment override, the way cmd/divinesense wires its profile
// configuration.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/seiforesti/scancore/internal/domain"
)

// Config mirrors the option table of spec §6.
type Config struct {
	MaxConcurrentScans        int
	MaxQueueSize               int
	DefaultTimeoutMinutes      int
	RetryAttempts              int
	ResourceMonitoringInterval time.Duration
	SafetyMargin               float64

	BusinessHoursStart int // hour, 0-23
	BusinessHoursEnd   int
	PeakHoursStart     int
	PeakHoursEnd       int
	MaintenanceStart   int
	MaintenanceEnd     int

	WorkflowTimeoutHours  float64
	ApprovalTimeoutHours  float64
	AutoApprovalThreshold float64

	// Pool capacities, one per domain.ResourceKind.
	PoolCPUPct         float64
	PoolMemoryMB       float64
	PoolStorageMB      float64
	PoolNetworkMbps    float64
	PoolDBConnections  float64
	PoolAPIRate        float64

	NATSURL     string
	BBoltPath   string
	HTTPAddr    string
	OTLPEndpoint string
}

// Load resolves configuration from defaults, an optional config file, and
// SCANCORE_-prefixed environment variables, in that precedence order.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCANCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("max_concurrent_scans", 100)
	v.SetDefault("max_queue_size", 1000)
	v.SetDefault("default_timeout_minutes", 60)
	v.SetDefault("retry_attempts", 3)
	v.SetDefault("resource_monitoring_interval_seconds", 30)
	v.SetDefault("safety_margin", 0.2)
	v.SetDefault("business_hours_start", 9)
	v.SetDefault("business_hours_end", 17)
	v.SetDefault("peak_hours_start", 10)
	v.SetDefault("peak_hours_end", 16)
	v.SetDefault("maintenance_start", 2)
	v.SetDefault("maintenance_end", 4)
	v.SetDefault("workflow_timeout_hours", 24)
	v.SetDefault("approval_timeout_hours", 72)
	v.SetDefault("auto_approval_threshold", 0.9)
	v.SetDefault("pool_cpu_pct", 100.0)
	v.SetDefault("pool_memory_mb", 131072.0)
	v.SetDefault("pool_storage_mb", 1048576.0)
	v.SetDefault("pool_network_mbps", 10000.0)
	v.SetDefault("pool_db_connections", 200.0)
	v.SetDefault("pool_api_rate", 5000.0)
	v.SetDefault("nats_url", "")
	v.SetDefault("bbolt_path", "scancore.db")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("otlp_endpoint", "")

	v.SetConfigName("scancore")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return &Config{
		MaxConcurrentScans:        v.GetInt("max_concurrent_scans"),
		MaxQueueSize:              v.GetInt("max_queue_size"),
		DefaultTimeoutMinutes:     v.GetInt("default_timeout_minutes"),
		RetryAttempts:             v.GetInt("retry_attempts"),
		ResourceMonitoringInterval: time.Duration(v.GetInt("resource_monitoring_interval_seconds")) * time.Second,
		SafetyMargin:              v.GetFloat64("safety_margin"),
		BusinessHoursStart:        v.GetInt("business_hours_start"),
		BusinessHoursEnd:          v.GetInt("business_hours_end"),
		PeakHoursStart:            v.GetInt("peak_hours_start"),
		PeakHoursEnd:              v.GetInt("peak_hours_end"),
		MaintenanceStart:          v.GetInt("maintenance_start"),
		MaintenanceEnd:            v.GetInt("maintenance_end"),
		WorkflowTimeoutHours:      v.GetFloat64("workflow_timeout_hours"),
		ApprovalTimeoutHours:      v.GetFloat64("approval_timeout_hours"),
		AutoApprovalThreshold:     v.GetFloat64("auto_approval_threshold"),
		PoolCPUPct:                v.GetFloat64("pool_cpu_pct"),
		PoolMemoryMB:              v.GetFloat64("pool_memory_mb"),
		PoolStorageMB:             v.GetFloat64("pool_storage_mb"),
		PoolNetworkMbps:           v.GetFloat64("pool_network_mbps"),
		PoolDBConnections:         v.GetFloat64("pool_db_connections"),
		PoolAPIRate:               v.GetFloat64("pool_api_rate"),
		NATSURL:                   v.GetString("nats_url"),
		BBoltPath:                 v.GetString("bbolt_path"),
		HTTPAddr:                  v.GetString("http_addr"),
		OTLPEndpoint:              v.GetString("otlp_endpoint"),
	}, nil
}

// PoolCapacities returns the configured pool capacity per resource kind.
func (c *Config) PoolCapacities() map[domain.ResourceKind]float64 {
	return map[domain.ResourceKind]float64{
		domain.ResourceCPU:     c.PoolCPUPct,
		domain.ResourceMemory:  c.PoolMemoryMB,
		domain.ResourceStorage: c.PoolStorageMB,
		domain.ResourceNetwork: c.PoolNetworkMbps,
		domain.ResourceDBConns: c.PoolDBConnections,
		domain.ResourceAPIRate: c.PoolAPIRate,
	}
}
