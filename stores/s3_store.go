package stores

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"linkvault.io/vault/common/logging"
	cst "linkvault.io/vault/constants"
	pe "linkvault.io/vault/errors"
)

type S3Config struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint points at S3 compatible services such as MinIO
	Endpoint        string
	UsePathStyle    bool
	DownloadBaseURL string
}

// S3Store implements BlobStore on top of an S3 bucket. Blob addresses are object keys.
type S3Store struct {
	client          *s3.Client
	uploader        *manager.Uploader
	bucket          string
	downloadBaseURL string
}

func NewS3Store(ctx context.Context, cfg *S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		// S3 compatible services do not all accept streaming checksum trailers
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return &S3Store{
		client:          client,
		uploader:        manager.NewUploader(client),
		bucket:          cfg.Bucket,
		downloadBaseURL: cfg.DownloadBaseURL,
	}, nil
}

// Ping checks the bucket is reachable.
func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}

func (s *S3Store) Put(ctx context.Context, scope, name string, r io.Reader) (string, int64, *pe.Err) {
	address := BlobAddress(scope, name)
	cr := &countingReader{r: r}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(address),
		Body:   cr,
	})
	if err != nil {
		var perr *pe.Err
		if errors.As(err, &perr) {
			return "", 0, perr
		}
		logging.WithFuncName().WithField(cst.LogFieldBlobAddress, address).WithError(err).Error("failed to upload to S3")
		return "", 0, storageErr("error saving file data", err)
	}
	return address, cr.n, nil
}

func (s *S3Store) Get(ctx context.Context, address string) (io.ReadCloser, *pe.Err) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(address),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, pe.NewNotFound("file not found").WithCause(err)
		}
		return nil, storageErr("error retrieving file", err)
	}
	return out.Body, nil
}

// Delete relies on S3 treating deletion of a missing key as success.
func (s *S3Store) Delete(ctx context.Context, address string) *pe.Err {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(address),
	}); err != nil {
		logging.WithFuncName().WithField(cst.LogFieldBlobAddress, address).WithError(err).Error("failed to delete from S3")
		return storageErr("error removing file", err)
	}
	return nil
}

func (s *S3Store) PublicURL(id, name string) string {
	return PublicURL(s.downloadBaseURL, id, name)
}

func (s *S3Store) Close() *pe.Err {
	return nil
}
