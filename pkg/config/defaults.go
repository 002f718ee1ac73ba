package config

import (
	"github.com/spf13/viper"
)

const (
	DefaultListenAddress = "0.0.0.0:9005"

	DefaultLoggingFormat        = "text"
	DefaultLoggingLevel         = "INFO"
	DefaultLoggingOutput        = "-"
	DefaultLoggingFileMaxSizeMB = 100
	DefaultLoggingFilesKeep     = 100

	DefaultStoreType          = "mem"
	DefaultStoreLocalPath     = "~/data/duralog/store"
	DefaultStoreRedisAddress  = "localhost:6379"
	DefaultStoreRedisPoolSize = 10

	DefaultBlobType      = "mem"
	DefaultBlobLocalPath = "~/data/duralog/blob"
	DefaultBlobS3Region  = "us-east-1"

	DefaultOplogMaxOperationsBeforeCommit = 128
	DefaultOplogMaxPayloadSize            = 64 * 1024
	DefaultOplogEntryCountLimit           = 1024
	DefaultOplogArchiveLayers             = 2
	DefaultOplogReplicas                  = 0
)

const (
	ListenAddressKey = "listen_address"

	LoggingFormatKey        = "logging.format"
	LoggingLevelKey         = "logging.level"
	LoggingOutputKey        = "logging.output"
	LoggingFileMaxSizeMBKey = "logging.file_max_size_mb"
	LoggingFilesKeepKey     = "logging.files_keep"

	StoreTypeKey               = "store.type"
	StoreLocalPathKey          = "store.local.path"
	StoreLocalSyncWritesKey    = "store.local.sync_writes"
	StoreLocalPrefetchSizeKey  = "store.local.prefetch_size"
	StoreLocalEnableLoggingKey = "store.local.enable_logging"
	StoreRedisAddressKey       = "store.redis.address"
	StoreRedisUsernameKey      = "store.redis.username"
	StoreRedisPasswordKey      = "store.redis.password"
	StoreRedisDBKey            = "store.redis.db"
	StoreRedisKeyPrefixKey     = "store.redis.key_prefix"
	StoreRedisPoolSizeKey      = "store.redis.pool_size"

	BlobTypeKey             = "blob.type"
	BlobLocalPathKey        = "blob.local.path"
	BlobS3BucketKey         = "blob.s3.bucket"
	BlobS3RegionKey         = "blob.s3.region"
	BlobS3EndpointKey       = "blob.s3.endpoint"
	BlobS3ForcePathStyleKey = "blob.s3.force_path_style"
	BlobS3KeyPrefixKey      = "blob.s3.key_prefix"

	OplogMaxOperationsBeforeCommitKey = "oplog.max_operations_before_commit"
	OplogMaxPayloadSizeKey            = "oplog.max_payload_size"
	OplogEntryCountLimitKey           = "oplog.entry_count_limit"
	OplogArchiveLayersKey             = "oplog.archive_layers"
	OplogReplicasKey                  = "oplog.replicas"
)

func setDefaults() {
	viper.SetDefault(ListenAddressKey, DefaultListenAddress)

	viper.SetDefault(LoggingFormatKey, DefaultLoggingFormat)
	viper.SetDefault(LoggingLevelKey, DefaultLoggingLevel)
	viper.SetDefault(LoggingOutputKey, DefaultLoggingOutput)
	viper.SetDefault(LoggingFileMaxSizeMBKey, DefaultLoggingFileMaxSizeMB)
	viper.SetDefault(LoggingFilesKeepKey, DefaultLoggingFilesKeep)

	viper.SetDefault(StoreTypeKey, DefaultStoreType)
	viper.SetDefault(StoreLocalPathKey, DefaultStoreLocalPath)
	viper.SetDefault(StoreLocalSyncWritesKey, false)
	viper.SetDefault(StoreLocalPrefetchSizeKey, 0)
	viper.SetDefault(StoreLocalEnableLoggingKey, false)
	viper.SetDefault(StoreRedisAddressKey, DefaultStoreRedisAddress)
	viper.SetDefault(StoreRedisUsernameKey, "")
	viper.SetDefault(StoreRedisPasswordKey, "")
	viper.SetDefault(StoreRedisDBKey, 0)
	viper.SetDefault(StoreRedisKeyPrefixKey, "")
	viper.SetDefault(StoreRedisPoolSizeKey, DefaultStoreRedisPoolSize)

	viper.SetDefault(BlobTypeKey, DefaultBlobType)
	viper.SetDefault(BlobLocalPathKey, DefaultBlobLocalPath)
	viper.SetDefault(BlobS3BucketKey, "")
	viper.SetDefault(BlobS3RegionKey, DefaultBlobS3Region)
	viper.SetDefault(BlobS3EndpointKey, "")
	viper.SetDefault(BlobS3ForcePathStyleKey, false)
	viper.SetDefault(BlobS3KeyPrefixKey, "")

	viper.SetDefault(OplogMaxOperationsBeforeCommitKey, DefaultOplogMaxOperationsBeforeCommit)
	viper.SetDefault(OplogMaxPayloadSizeKey, DefaultOplogMaxPayloadSize)
	viper.SetDefault(OplogEntryCountLimitKey, DefaultOplogEntryCountLimit)
	viper.SetDefault(OplogArchiveLayersKey, DefaultOplogArchiveLayers)
	viper.SetDefault(OplogReplicasKey, DefaultOplogReplicas)
}
