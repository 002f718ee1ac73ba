package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/duralog/duralog/pkg/blob"
	blobparams "github.com/duralog/duralog/pkg/blob/params"
)

type Adapter struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

func New(ctx context.Context, params *blobparams.S3) (*Adapter, error) {
	if params == nil || params.Bucket == "" {
		return nil, fmt.Errorf("missing s3 bucket: %w", blob.ErrInvalidAddress)
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if params.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(params.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.ForcePathStyle
	})
	return &Adapter{
		client:    client,
		bucket:    params.Bucket,
		keyPrefix: params.KeyPrefix,
	}, nil
}

func (a *Adapter) objectKey(namespace, path string) string {
	if a.keyPrefix == "" {
		return namespace + "/" + path
	}
	return a.keyPrefix + "/" + namespace + "/" + path
}

func (a *Adapter) Put(ctx context.Context, namespace, path string, data []byte) error {
	key := a.objectKey(namespace, path)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}

func (a *Adapter) Get(ctx context.Context, namespace, path string) ([]byte, error) {
	key := a.objectKey(namespace, path)
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return nil, fmt.Errorf("s3://%s/%s: %w", a.bucket, key, blob.ErrDataNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", a.bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", a.bucket, key, err)
	}
	return data, nil
}

func (a *Adapter) Exists(ctx context.Context, namespace, path string) (bool, error) {
	key := a.objectKey(namespace, path)
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("head s3://%s/%s: %w", a.bucket, key, err)
	}
	return true, nil
}

func (a *Adapter) Remove(ctx context.Context, namespace, path string) error {
	key := a.objectKey(namespace, path)
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}
