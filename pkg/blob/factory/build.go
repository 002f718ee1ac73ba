package factory

import (
	"context"
	"fmt"

	"github.com/duralog/duralog/pkg/blob"
	"github.com/duralog/duralog/pkg/blob/local"
	"github.com/duralog/duralog/pkg/blob/mem"
	blobparams "github.com/duralog/duralog/pkg/blob/params"
	"github.com/duralog/duralog/pkg/blob/s3"
)

const (
	TypeMem   = "mem"
	TypeLocal = "local"
	TypeS3    = "s3"
)

// BuildBlobAdapter builds the configured blob adapter.
func BuildBlobAdapter(ctx context.Context, params blobparams.Blob) (blob.Adapter, error) {
	switch params.Type {
	case TypeMem:
		return mem.New(), nil
	case TypeLocal:
		return local.New(params.Local)
	case TypeS3:
		return s3.New(ctx, params.S3)
	default:
		return nil, fmt.Errorf("%w: %s", blob.ErrUnknownAdapterType, params.Type)
	}
}
