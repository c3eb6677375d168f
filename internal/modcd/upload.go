package modcd

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// imagePublisher uploads finished artifacts under a key prefix.
type imagePublisher interface {
	Publish(ctx context.Context, prefix string, files ...string) error
}

// S3Publisher wraps the S3 client for any S3-compatible object store.
type S3Publisher struct {
	Client     *s3.Client
	BucketName string
}

// NewS3Publisher initializes a client from the MODCD_S3_* configuration values.
// Without explicit keys the default AWS credential chain is used.
func NewS3Publisher(ctx context.Context, cfg *Config) (*S3Publisher, error) {
	bucket := cfg.Get("MODCD_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("publishing requires MODCD_S3_BUCKET in the configuration")
	}
	endpoint := cfg.Get("MODCD_S3_ENDPOINT")
	region := cfg.Get("MODCD_S3_REGION")
	if region == "" {
		region = "us-east-1"
	}

	options := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	accessKey := cfg.Get("MODCD_S3_ACCESS_KEY_ID")
	secretKey := cfg.Get("MODCD_S3_SECRET_ACCESS_KEY")
	if accessKey != "" && secretKey != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	if cfg.Debug() {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Publisher{Client: client, BucketName: bucket}, nil
}

// objectKey joins prefix and the file's base name with forward slashes.
func objectKey(prefix, file string) string {
	return path.Join(strings.Trim(prefix, "/"), filepath.Base(file))
}

func (p *S3Publisher) Publish(ctx context.Context, prefix string, files ...string) error {
	for _, f := range files {
		key := objectKey(prefix, f)
		step("Uploading %s to s3://%s/%s", filepath.Base(f), p.BucketName, key)
		if err := p.UploadLocalFile(ctx, key, f); err != nil {
			return fmt.Errorf("upload %s: %w", f, err)
		}
	}
	return nil
}

// UploadLocalFile uploads a file from disk.
func (p *S3Publisher) UploadLocalFile(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	contentType := "application/octet-stream"
	switch {
	case strings.HasSuffix(key, ".iso"):
		contentType = "application/x-iso9660-image"
	case strings.HasSuffix(key, ".b3sum"):
		contentType = "text/plain"
	}

	_, err = p.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.BucketName),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentType),
	})
	return err
}
