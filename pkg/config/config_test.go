package config_test

import (
	"testing"

	"github.com/duralog/duralog/pkg/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	c, err := config.NewConfig()
	require.NoError(t, err)

	require.Equal(t, config.DefaultListenAddress, c.ListenAddress())
	require.Equal(t, uint64(config.DefaultOplogMaxOperationsBeforeCommit), c.OplogMaxOperationsBeforeCommit())
	require.Equal(t, config.DefaultOplogMaxPayloadSize, c.OplogMaxPayloadSize())
	require.Equal(t, uint64(config.DefaultOplogEntryCountLimit), c.OplogEntryCountLimit())
	require.Equal(t, config.DefaultOplogArchiveLayers, c.OplogArchiveLayers())
	require.Equal(t, "mem", c.StoreParams().Type)
	require.Equal(t, "mem", c.BlobParams().Type)
}

func TestConfig_Overrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("store.type", "redis")
	viper.Set("store.redis.address", "redis.internal:6379")
	viper.Set("store.redis.key_prefix", "duralog:")
	viper.Set("blob.type", "s3")
	viper.Set("blob.s3.bucket", "oplog-payloads")
	viper.Set("oplog.entry_count_limit", 42)

	c, err := config.NewConfig()
	require.NoError(t, err)

	storeParams := c.StoreParams()
	require.Equal(t, "redis", storeParams.Type)
	require.NotNil(t, storeParams.Redis)
	require.Equal(t, "redis.internal:6379", storeParams.Redis.Address)
	require.Equal(t, "duralog:", storeParams.Redis.KeyPrefix)

	blobParams := c.BlobParams()
	require.Equal(t, "s3", blobParams.Type)
	require.NotNil(t, blobParams.S3)
	require.Equal(t, "oplog-payloads", blobParams.S3.Bucket)

	require.Equal(t, uint64(42), c.OplogEntryCountLimit())
}

func TestConfig_InvalidStoreType(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("store.type", "cassandra")
	_, err := config.NewConfig()
	require.ErrorIs(t, err, config.ErrUnknownStoreType)
}

func TestConfig_RequiresArchiveLayer(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("oplog.archive_layers", 0)
	_, err := config.NewConfig()
	require.ErrorIs(t, err, config.ErrMissingArchiveTier)
}
