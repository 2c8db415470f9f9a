package test

import (
	"context"
	"database/sql/driver"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/integralist/go-findroot/find"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

var DefaultCtxKey any = "myKey"

// OutboxColumns is the column order returned by the outbox queries.
var OutboxColumns = []string{"event_id", "tenant_id", "event_type", "aggregate_id", "payload", "status",
	"attempt_count", "created_at", "claimed_at", "claimed_by", "published_at", "last_error"}

// StockColumns is the column order returned by the stock queries.
var StockColumns = []string{"tenant_id", "product_id", "warehouse_id", "available_quantity",
	"reserved_quantity", "version", "updated_at"}

func AssertError(t *testing.T, err error, expectErr bool) {
	if expectErr {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}

// InitPostgresContainer initializes a local Postgres instance using Testcontainers.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, _ := find.Repo()
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(
			filepath.Join(root.Path, "sql/postgres/000001_outbox.up.sql"),
			filepath.Join(root.Path, "sql/postgres/000002_stock_levels.up.sql"),
		),
		postgres.WithDatabase("dbname"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(5*time.Second)),
	)
}

// InitRedisContainer initializes a local Redis instance using Testcontainers.
func InitRedisContainer(ctx context.Context) (*tcredis.RedisContainer, error) {
	return tcredis.RunContainer(ctx,
		testcontainers.WithImage("docker.io/redis:7.2-alpine"),
	)
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}
