package postgres

import (
	"testing"

	"github.com/pscheid92/realtimeapi/internal/adapter/metrics"
	"github.com/pscheid92/realtimeapi/internal/domain"
	"github.com/pscheid92/realtimeapi/internal/widgets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildWhere(t *testing.T) {
	where, args := buildWhere(nil)
	assert.Empty(t, where)
	assert.Nil(t, args)

	where, args = buildWhere([]widgets.Clause{
		{Column: "id", Op: domain.OpIn, Values: []any{int64(1), int64(2)}},
		{Column: "name", Op: domain.OpIExact, Values: []any{"Mike"}},
		{Column: "counter", Op: domain.OpGte, Values: []any{int64(3)}},
		{Column: "owner", Op: domain.OpExact, Values: []any{"alice"}},
		{Column: "owner", Op: domain.OpIn, Values: nil},
	})
	assert.Equal(t, " WHERE id = ANY($1) AND lower(name) = lower($2) AND counter::bigint >= $3 AND owner = $4 AND FALSE", where)
	assert.Equal(t, []any{[]int64{1, 2}, "Mike", int64(3), "alice"}, args)
}

func TestQueryName(t *testing.T) {
	assert.Equal(t, "SELECT", queryName("  select id FROM widgets"))
	assert.Equal(t, "unknown", queryName(""))
}

func TestPoolConfig(t *testing.T) {
	cfg, err := poolConfig("postgres://u:p@db.internal:5432/app?sslmode=disable", nil)
	require.NoError(t, err)
	assert.Equal(t, "realtimeapi", cfg.ConnConfig.RuntimeParams["application_name"])
	assert.Equal(t, "db.internal", cfg.ConnConfig.Host)
	assert.Nil(t, cfg.ConnConfig.TLSConfig)
	assert.Nil(t, cfg.ConnConfig.Tracer)

	cfg, err = poolConfig("postgres://u:p@h/app?application_name=worker", metrics.NewDatabaseMetrics(metrics.NewRegistry()))
	require.NoError(t, err)
	assert.Equal(t, "worker", cfg.ConnConfig.RuntimeParams["application_name"])
	assert.NotNil(t, cfg.ConnConfig.Tracer)

	_, err = poolConfig("postgres://u:p@h:notaport/app", nil)
	assert.Error(t, err)
}

func TestSchemaChange_Applied(t *testing.T) {
	assert.True(t, SchemaChange{From: 0, To: 1}.Applied())
	assert.False(t, SchemaChange{From: 1, To: 1}.Applied())
}
