package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds construction parameters for S3Archive.
type S3Config struct {
	Region          string
	Bucket          string
	Endpoint        string // optional; custom endpoint such as MinIO
	AccessKeyID     string // optional; default credential chain otherwise
	SecretAccessKey string
	PathStyle       bool
	// Options are applied to the client after the fields above.
	Options []func(*s3.Options)
}

// S3Archive stores blobs as objects in a single bucket. Keys map to object
// keys directly.
type S3Archive struct {
	client *s3.Client
	bucket string
}

// NewS3Archive builds an archive from cfg.
func NewS3Archive(ctx context.Context, cfg S3Config) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		for _, fn := range cfg.Options {
			fn(o)
		}
	})
	return &S3Archive{client: client, bucket: cfg.Bucket}, nil
}

func (a *S3Archive) Put(ctx context.Context, key string, data []byte, contentType string) (Info, error) {
	if err := validate(key, data); err != nil {
		return Info{}, err
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &a.bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{"sha256": hash},
	})
	if err != nil {
		return Info{}, fmt.Errorf("put %s: %w", key, err)
	}
	return Info{
		Key:         key,
		Size:        int64(len(data)),
		ContentType: contentType,
		Hash:        hash,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (a *S3Archive) Get(ctx context.Context, key string) ([]byte, Info, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &a.bucket, Key: &key})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, Info{}, fmt.Errorf("%s: %w", key, ErrBlobNotFound)
		}
		return nil, Info{}, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, MaxBlobSize+1))
	if err != nil {
		return nil, Info{}, fmt.Errorf("read %s: %w", key, err)
	}
	info := Info{
		Key:         key,
		Size:        int64(len(data)),
		ContentType: aws.ToString(out.ContentType),
		Hash:        out.Metadata["sha256"],
		CreatedAt:   aws.ToTime(out.LastModified),
	}
	return data, info, nil
}

// Delete removes the object. S3 reports success for absent keys.
func (a *S3Archive) Delete(ctx context.Context, key string) error {
	if _, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &a.bucket, Key: &key}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
