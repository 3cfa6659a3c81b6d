package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func writeConfigFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WORKER_PG_PASSWORD", "secret-from-env")

	writeConfigFile(t, dir, "worker_test", `
health_port: "8086"
pg:
  host: "localhost"
  port: 5432
  user: "clipflow"
  password: "${WORKER_PG_PASSWORD}"
  database: "clipflow"
jobs:
  slots: 4
  max_attempts: 3
  job_timeout: 10m
  backoff_base: 2s
  backoff_cap: 2m
  accept_partial: true
`)

	cfg := LoadConfig[Worker]("worker_test", dir)

	assert.Equal(t, "8086", cfg.HealthPort)
	assert.Equal(t, "localhost", cfg.PostgreSQL.Host)
	assert.Equal(t, "secret-from-env", cfg.PostgreSQL.Password)
	assert.Equal(t, 4, cfg.Jobs.Slots)
	assert.Equal(t, 3, cfg.Jobs.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Jobs.JobTimeout)
	assert.Equal(t, 2*time.Second, cfg.Jobs.BackoffBase)
	assert.Equal(t, 2*time.Minute, cfg.Jobs.BackoffCap)
	assert.True(t, cfg.Jobs.AcceptPartial)
}

func TestGetPath(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	t.Cleanup(func() { os.Chdir(wd) })
	assert.NoError(t, os.Chdir(dir))

	if err := os.WriteFile(".env", []byte("ENV=local\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	path, err := GetPath(".env", 5)
	assert.NoError(t, err)
	assert.Equal(t, "./.env", path)

	_, err = GetPath("does-not-exist.yaml", 2)
	assert.Error(t, err)
}
