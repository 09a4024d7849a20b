package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, "balancer-1", cfg.Server.NodeID)
	assert.Equal(t, "tabletdb_metadata", cfg.Database.Database)
	assert.Equal(t, 30*time.Second, cfg.Balancer.Interval)
	assert.Equal(t, 2*time.Minute, cfg.Balancer.LeaseTTL)
	assert.True(t, cfg.Balancer.LeaseEnabled)
}

func TestValidateRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing server host",
			mutate:  func(c *Config) { c.Server.Host = "" },
			wantErr: "server.host",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
		{
			name:    "missing node id",
			mutate:  func(c *Config) { c.Server.NodeID = "" },
			wantErr: "server.node_id",
		},
		{
			name:    "missing database host",
			mutate:  func(c *Config) { c.Database.Host = "" },
			wantErr: "database.host",
		},
		{
			name:    "missing database name",
			mutate:  func(c *Config) { c.Database.Database = "" },
			wantErr: "database.database",
		},
		{
			name:    "missing database user",
			mutate:  func(c *Config) { c.Database.User = "" },
			wantErr: "database.user",
		},
		{
			name:    "non-positive interval",
			mutate:  func(c *Config) { c.Balancer.Interval = 0 },
			wantErr: "balancer.interval",
		},
		{
			name: "lease enabled without redis host",
			mutate: func(c *Config) {
				c.Balancer.LeaseEnabled = true
				c.Redis.Host = ""
			},
			wantErr: "redis.host",
		},
		{
			name: "lease enabled without ttl",
			mutate: func(c *Config) {
				c.Balancer.LeaseEnabled = true
				c.Balancer.LeaseTTL = 0
			},
			wantErr: "balancer.lease_ttl",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateAllowsDisabledLease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Balancer.LeaseEnabled = false
	cfg.Redis.Host = ""
	cfg.Balancer.LeaseTTL = 0
	assert.NoError(t, cfg.Validate())
}

func TestValidateDefaultsLogging(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = ""
	cfg.Logging.Format = ""
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}
