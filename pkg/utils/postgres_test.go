package utils

import (
	"context"
	"testing"
	"time"
)

func TestPostgresPoolConfig_Defaults(t *testing.T) {
	c := PostgresPoolConfig{MaxOpenConns: 7}.withDefaults()
	if c.MaxOpenConns != 7 {
		t.Fatalf("explicit value must be kept, got %d", c.MaxOpenConns)
	}
	if c.MaxIdleConns != 25 || c.PingTimeout != 5*time.Second || c.ConnMaxLifetime != 30*time.Minute {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func TestOpenPostgres_RejectsUnknownDriver(t *testing.T) {
	if _, err := OpenPostgres(context.Background(), "sqlite", "file::memory:", PostgresPoolConfig{}); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}
