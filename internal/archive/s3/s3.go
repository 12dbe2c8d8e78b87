// Package s3 implements the S3-compatible archive backend. It supports AWS S3,
// MinIO, DigitalOcean Spaces, and other S3-compatible services via a
// configurable endpoint. Authentication is either the default AWS credential
// chain (recommended for EC2/EKS with IAM roles) or static key/secret.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/upload-registry/upload-registry/internal/archive"
	appconfig "github.com/upload-registry/upload-registry/internal/config"
	"github.com/upload-registry/upload-registry/pkg/checksum"
)

func init() {
	// Register S3 archive backend
	archive.Register("s3", func(cfg *appconfig.Config) (archive.Archiver, error) {
		return New(&cfg.Archive.S3)
	})
}

// S3Archiver implements the Archiver interface for S3-compatible storage
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// New creates a new S3-compatible archive backend.
//
// Authentication methods:
//   - "default" or empty: Uses AWS default credential chain (env vars, shared config, IAM role, IMDS)
//   - "static": Uses explicit access key and secret key
func New(cfg *appconfig.S3ArchiveConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	authMethod := cfg.AuthMethod
	if authMethod == "" {
		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			authMethod = "static"
		} else {
			authMethod = "default"
		}
	}

	switch authMethod {
	case "static":
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return nil, fmt.Errorf("access_key_id and secret_access_key are required for static auth")
		}
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))

	case "default":
		// Default credential chain needs no extra configuration.

	default:
		return nil, fmt.Errorf("unsupported auth_method: %s (must be 'default' or 'static')", authMethod)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// For S3-compatible services, use path-style addressing
			o.UsePathStyle = true
		})
	}

	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Archive stores a completed upload's content under <prefix>/<id>. The
// content's SHA256 is recorded in the object metadata alongside the upload's
// own metadata pairs.
func (s *S3Archiver) Archive(ctx context.Context, id string, src io.Reader, size int64, metadata map[string]string) (*archive.Result, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload content: %w", err)
	}

	sum, err := checksum.CalculateSHA256(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	objMeta := map[string]string{"sha256": sum}
	for k, v := range metadata {
		objMeta["upload-"+k] = v
	}

	key := path.Join(s.prefix, id)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      objMeta,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to s3: %w", err)
	}

	return &archive.Result{
		Location: fmt.Sprintf("s3://%s/%s", s.bucket, key),
		Checksum: sum,
	}, nil
}
