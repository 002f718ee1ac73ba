package config

import (
	"errors"
	"fmt"

	blobparams "github.com/duralog/duralog/pkg/blob/params"
	"github.com/duralog/duralog/pkg/logging"
	storeparams "github.com/duralog/duralog/pkg/store/params"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

var (
	ErrBadConfiguration   = errors.New("bad configuration")
	ErrUnknownStoreType   = fmt.Errorf("%w: unknown store type", ErrBadConfiguration)
	ErrUnknownBlobType    = fmt.Errorf("%w: unknown blob adapter type", ErrBadConfiguration)
	ErrMissingArchiveTier = fmt.Errorf("%w: at least one archive layer is required", ErrBadConfiguration)
)

// configuration is the output struct, used to validate. If you read a key using a
// viper accessor rather than accessing a field of this struct, that key will *not*
// be validated. So don't do that.
type configuration struct {
	ListenAddress string `mapstructure:"listen_address"`

	Logging struct {
		Format        string   `mapstructure:"format"`
		Level         string   `mapstructure:"level"`
		Output        []string `mapstructure:"output"`
		FileMaxSizeMB int      `mapstructure:"file_max_size_mb"`
		FilesKeep     int      `mapstructure:"files_keep"`
	} `mapstructure:"logging"`

	Store struct {
		Type  string `mapstructure:"type"`
		Local struct {
			Path          string `mapstructure:"path"`
			SyncWrites    bool   `mapstructure:"sync_writes"`
			PrefetchSize  int    `mapstructure:"prefetch_size"`
			EnableLogging bool   `mapstructure:"enable_logging"`
		} `mapstructure:"local"`
		Redis struct {
			Address   string       `mapstructure:"address"`
			Username  string       `mapstructure:"username"`
			Password  SecureString `mapstructure:"password"`
			DB        int          `mapstructure:"db"`
			KeyPrefix string       `mapstructure:"key_prefix"`
			PoolSize  int          `mapstructure:"pool_size"`
		} `mapstructure:"redis"`
	} `mapstructure:"store"`

	Blob struct {
		Type  string `mapstructure:"type"`
		Local struct {
			Path string `mapstructure:"path"`
		} `mapstructure:"local"`
		S3 struct {
			Bucket         string `mapstructure:"bucket"`
			Region         string `mapstructure:"region"`
			Endpoint       string `mapstructure:"endpoint"`
			ForcePathStyle bool   `mapstructure:"force_path_style"`
			KeyPrefix      string `mapstructure:"key_prefix"`
		} `mapstructure:"s3"`
	} `mapstructure:"blob"`

	Oplog struct {
		MaxOperationsBeforeCommit uint64 `mapstructure:"max_operations_before_commit"`
		MaxPayloadSize            int    `mapstructure:"max_payload_size"`
		EntryCountLimit           uint64 `mapstructure:"entry_count_limit"`
		ArchiveLayers             int    `mapstructure:"archive_layers"`
		Replicas                  int    `mapstructure:"replicas"`
	} `mapstructure:"oplog"`
}

type Config struct {
	values configuration
}

func NewConfig() (*Config, error) {
	c := &Config{}

	setDefaults()
	setupLogger()

	err := viper.UnmarshalExact(&c.values, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","))))
	if err != nil {
		return nil, err
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func setupLogger() {
	logging.SetOutputFormat(viper.GetString(LoggingFormatKey))
	logging.SetOutputs(viper.GetStringSlice(LoggingOutputKey),
		viper.GetInt(LoggingFileMaxSizeMBKey), viper.GetInt(LoggingFilesKeepKey))
	logging.SetLevel(viper.GetString(LoggingLevelKey))
}

func (c *Config) validate() error {
	switch c.values.Store.Type {
	case "mem", "local", "redis":
	default:
		return fmt.Errorf("%w: %s", ErrUnknownStoreType, c.values.Store.Type)
	}
	switch c.values.Blob.Type {
	case "mem", "local", "s3":
	default:
		return fmt.Errorf("%w: %s", ErrUnknownBlobType, c.values.Blob.Type)
	}
	if c.values.Oplog.ArchiveLayers < 1 {
		return ErrMissingArchiveTier
	}
	return nil
}

func (c *Config) ListenAddress() string {
	return c.values.ListenAddress
}

// StoreParams returns the indexed store driver parameters for store.Open.
func (c *Config) StoreParams() storeparams.Store {
	p := storeparams.Store{Type: c.values.Store.Type}
	switch c.values.Store.Type {
	case "local":
		p.Local = &storeparams.Local{
			Path:          c.values.Store.Local.Path,
			SyncWrites:    c.values.Store.Local.SyncWrites,
			PrefetchSize:  c.values.Store.Local.PrefetchSize,
			EnableLogging: c.values.Store.Local.EnableLogging,
		}
	case "redis":
		p.Redis = &storeparams.Redis{
			Address:   c.values.Store.Redis.Address,
			Username:  c.values.Store.Redis.Username,
			Password:  c.values.Store.Redis.Password.SecureValue(),
			DB:        c.values.Store.Redis.DB,
			KeyPrefix: c.values.Store.Redis.KeyPrefix,
			PoolSize:  c.values.Store.Redis.PoolSize,
		}
	}
	return p
}

// BlobParams returns the blob adapter parameters for factory.BuildBlobAdapter.
func (c *Config) BlobParams() blobparams.Blob {
	p := blobparams.Blob{Type: c.values.Blob.Type}
	switch c.values.Blob.Type {
	case "local":
		p.Local = &blobparams.Local{Path: c.values.Blob.Local.Path}
	case "s3":
		p.S3 = &blobparams.S3{
			Bucket:         c.values.Blob.S3.Bucket,
			Region:         c.values.Blob.S3.Region,
			Endpoint:       c.values.Blob.S3.Endpoint,
			ForcePathStyle: c.values.Blob.S3.ForcePathStyle,
			KeyPrefix:      c.values.Blob.S3.KeyPrefix,
		}
	}
	return p
}

func (c *Config) OplogMaxOperationsBeforeCommit() uint64 {
	return c.values.Oplog.MaxOperationsBeforeCommit
}

func (c *Config) OplogMaxPayloadSize() int {
	return c.values.Oplog.MaxPayloadSize
}

func (c *Config) OplogEntryCountLimit() uint64 {
	return c.values.Oplog.EntryCountLimit
}

func (c *Config) OplogArchiveLayers() int {
	return c.values.Oplog.ArchiveLayers
}

func (c *Config) OplogReplicas() int {
	return c.values.Oplog.Replicas
}
