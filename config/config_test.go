package config

import (
	"os"
	"path/filepath"
	"testing"

	"bigcartel/tomongo/changelog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsFollowSourceTable(t *testing.T) {
	c, err := NewFromFlags([]string{"--mysql-db=shop", "--mysql-table=products"})
	require.NoError(t, err)

	assert.Equal(t, "shop", *c.MongoDb)
	assert.Equal(t, "products", *c.MongoCollection)
	assert.Equal(t, "shop", *c.PositionMysqlDb)
	assert.Equal(t, "id", *c.MysqlPk)
	assert.Equal(t, uint(DefaultServerID), *c.MysqlServerId)
	assert.Equal(t, PositionStoreMongo, *c.PositionStore)
	assert.Equal(t, "upsert", *c.InsertMode)
	assert.Equal(t, "shop.products:shop.products", c.PositionKey())
	assert.Nil(t, c.StartFrom)
}

func TestPositionKeyOverride(t *testing.T) {
	c, err := NewFromFlags([]string{"--mysql-db=shop", "--mysql-table=products", "--mongo-db=catalog", "--position-key=products-v2"})
	require.NoError(t, err)

	assert.Equal(t, "catalog", *c.MongoDb)
	assert.Equal(t, "products-v2", c.PositionKey())
}

func TestRequiresSourceTable(t *testing.T) {
	_, err := NewFromFlags([]string{"--mysql-db=shop"})
	assert.EqualError(t, err, "--mysql-table is required")
}

func TestStartPosition(t *testing.T) {
	c, err := NewFromFlags([]string{"--mysql-db=shop", "--mysql-table=products", "--start-position=mysql-bin.000042:1337"})
	require.NoError(t, err)
	assert.Equal(t, &changelog.Coordinate{File: "mysql-bin.000042", Offset: 1337}, c.StartFrom)

	_, err = NewFromFlags([]string{"--mysql-db=shop", "--mysql-table=products", "--start-position=mysql-bin.000042"})
	assert.Error(t, err)

	_, err = NewFromFlags([]string{"--mysql-db=shop", "--mysql-table=products", "--start-position=mysql-bin.000042:4", "--rewind"})
	assert.Error(t, err)
}

func TestRejectsUnknownChoices(t *testing.T) {
	for _, flag := range []string{"--insert-mode=merge", "--position-store=redis", "--mysql-flavor=tidb", "--mongo-port=70000"} {
		_, err := NewFromFlags([]string{"--mysql-db=shop", "--mysql-table=products", flag})
		assert.Error(t, err, flag)
	}
}

func TestFieldPatterns(t *testing.T) {
	c, err := NewFromFlags([]string{"--mysql-db=shop", "--mysql-table=products", "--anonymize-fields=.*email.*,.*address.*", "--yaml-columns=products.options"})
	require.NoError(t, err)

	require.Len(t, c.AnonymizeFields, 2)
	assert.True(t, c.AnonymizeFields[1].MatchString("products.shipping_address"))
	require.Len(t, c.YamlColumns, 1)
	assert.Empty(t, c.SkipAnonymizeFields)

	_, err = NewFromFlags([]string{"--mysql-db=shop", "--mysql-table=products", "--anonymize-fields=(unclosed"})
	assert.Error(t, err)
}

func TestEnvAndConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tomongo.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mysql-db": "shop", "mysql-table": "orders", "mongo-collection": "from_file"}`), 0o600))

	t.Setenv("TOMONGO_MONGO_COLLECTION", "from_env")
	t.Setenv("TOMONGO_MYSQL_PK", "order_id")

	c, err := NewFromFlags([]string{"--config=" + path})
	require.NoError(t, err)

	assert.Equal(t, "orders", *c.MysqlTable)
	assert.Equal(t, "from_env", *c.MongoCollection)
	assert.Equal(t, "order_id", *c.MysqlPk)

	c, err = NewFromFlags([]string{"--config=" + path, "--mongo-collection=from_flag"})
	require.NoError(t, err)
	assert.Equal(t, "from_flag", *c.MongoCollection)
}
