// internal/media/s3.go
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Relocator implements Relocator on S3 or an S3-compatible service like MinIO.
type S3Relocator struct {
	client        *s3.Client
	presign       *s3.PresignClient
	bucket        string
	publicBaseURL string
}

// S3Options configures NewS3Relocator.
type S3Options struct {
	Endpoint      string // Empty for AWS
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string // Base for unsigned URLs; derived from endpoint and bucket when empty
}

// NewS3Relocator creates an S3 relocator. Static credentials are used when
// both keys are set, otherwise the default AWS credential chain.
func NewS3Relocator(ctx context.Context, opts S3Options) (*S3Relocator, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.Endpoint != "" {
		loadOpts = append(loadOpts, config.WithBaseEndpoint(opts.Endpoint))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     opts.AccessKey,
					SecretAccessKey: opts.SecretKey,
				}, nil
			})))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.Endpoint != "" // MinIO and most S3-compatible services
	})

	base := strings.TrimSuffix(opts.PublicBaseURL, "/")
	if base == "" {
		if opts.Endpoint != "" {
			base = strings.TrimSuffix(opts.Endpoint, "/") + "/" + opts.Bucket
		} else {
			base = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", opts.Bucket, opts.Region)
		}
	}

	return &S3Relocator{
		client:        client,
		presign:       s3.NewPresignClient(client),
		bucket:        opts.Bucket,
		publicBaseURL: base,
	}, nil
}

// Move copies src to dst and deletes src. S3 has no rename, so if the delete
// fails the copy is removed again and the object stays only at src.
func (s *S3Relocator) Move(ctx context.Context, src, dst string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(url.PathEscape(s.bucket + "/" + src)),
		Key:        aws.String(dst),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return fmt.Errorf("copy %s: %w", src, ErrObjectNotFound)
		}
		return fmt.Errorf("failed to copy object: %w", err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(src),
	})
	if err != nil {
		if _, rbErr := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(dst),
		}); rbErr != nil {
			slog.Error("object left at both paths after failed move", "src", src, "dst", dst, "error", rbErr)
		}
		return fmt.Errorf("failed to delete source object: %w", err)
	}
	return nil
}

// SignedURL generates a presigned GET URL valid for ttl.
func (s *S3Relocator) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	res, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return res.URL, nil
}

// PublicURL returns the unsigned URL of path.
func (s *S3Relocator) PublicURL(path string) string {
	return s.publicBaseURL + "/" + escapePath(path)
}
