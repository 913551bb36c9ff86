package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forcevault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
auth:
  instance_url: https://example.my.salesforce.com
  access_token: "00Dxx!token"
output_root: /var/backups/crm
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "62.0", cfg.APIVersion)
	assert.Equal(t, 15, cfg.Parallelism)
	assert.Equal(t, 1, cfg.RelationshipDepth)
	assert.Equal(t, 120, cfg.HTTPTimeoutSeconds)
	assert.Equal(t, "insert", cfg.Restore.Operation)
	assert.Equal(t, 200, cfg.Restore.BatchSize)
	assert.True(t, cfg.Restore.DeferUnresolved)
}

func TestLoadOverridesFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
parallelism: 5
incremental: true
objects: [Account, Contact]
relationship_depth: 2
restore:
  operation: upsert
  external_id_field: External_Id__c
  batch_size: 500
`))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Parallelism)
	assert.True(t, cfg.Incremental)
	assert.Equal(t, []string{"Account", "Contact"}, cfg.Objects)
	assert.Equal(t, 2, cfg.RelationshipDepth)
	assert.Equal(t, "upsert", cfg.Restore.Operation)
	assert.Equal(t, 500, cfg.Restore.BatchSize)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvOutputRoot, "/mnt/override")
	t.Setenv(EnvParallelism, "3")
	t.Setenv(EnvBatchSize, "50")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "/mnt/override", cfg.OutputRoot)
	assert.Equal(t, 3, cfg.Parallelism)
	assert.Equal(t, 50, cfg.Restore.BatchSize)
}

func TestLoadInvalidEnvOverrideIgnored(t *testing.T) {
	t.Setenv(EnvParallelism, "not-a-number")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Parallelism)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing instance url",
			yaml:    "auth:\n  access_token: t\noutput_root: /out\n",
			wantErr: "instance_url",
		},
		{
			name:    "missing credentials",
			yaml:    "auth:\n  instance_url: https://x\noutput_root: /out\n",
			wantErr: "access_token",
		},
		{
			name:    "missing output root",
			yaml:    "auth:\n  instance_url: https://x\n  access_token: t\n",
			wantErr: "output_root",
		},
		{
			name:    "parallelism over cap",
			yaml:    minimalConfig + "parallelism: 16\n",
			wantErr: "parallelism",
		},
		{
			name:    "bad relationship depth",
			yaml:    minimalConfig + "relationship_depth: 4\n",
			wantErr: "relationship_depth",
		},
		{
			name:    "negative record limit",
			yaml:    minimalConfig + "record_limit: -1\n",
			wantErr: "record_limit",
		},
		{
			name:    "bad restore operation",
			yaml:    minimalConfig + "restore:\n  operation: merge\n",
			wantErr: "operation",
		},
		{
			name:    "upsert without external id",
			yaml:    minimalConfig + "restore:\n  operation: upsert\n",
			wantErr: "external_id_field",
		},
		{
			name:    "database missing host",
			yaml:    minimalConfig + "database:\n  port: 3306\n  database: dw\n  username: u\n",
			wantErr: "host",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClientCredentialsAccepted(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
auth:
  instance_url: https://example.my.salesforce.com
  client_id: cid
  client_secret: secret
  username: ops@example.com
  password: hunter2token
output_root: /out
`))
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", cfg.HistoryUser())
}

func TestHistoryUserPrefersExplicit(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+"username: backups@example.com\n"))
	require.NoError(t, err)
	assert.Equal(t, "backups@example.com", cfg.HistoryUser())
}

func TestDatabaseDSN(t *testing.T) {
	d := &DatabaseConfig{
		Host: "db.internal", Port: 3306, Database: "warehouse",
		Username: "loader", Password: "secret",
	}
	assert.Equal(t,
		"loader:secret@tcp(db.internal:3306)/warehouse?charset=utf8mb4&parseTime=True&loc=UTC",
		d.DSN())
}
