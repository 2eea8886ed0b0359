package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
)

const s3Scheme = "s3://"

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // S3-compatible endpoint (MinIO, R2); empty = AWS
	AccessKey string
	SecretKey string
}

// S3 stores artifacts in an S3 bucket. Large files go through the
// multipart upload manager.
type S3 struct {
	bucket     string
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	presign    *s3.PresignClient
	log        *logger.Logger
}

func NewS3(cfg S3Config, log *logger.Logger) *S3 {
	if log == nil {
		log = logger.Nop()
	}
	opts := s3.Options{Region: cfg.Region}
	if cfg.AccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	client := s3.New(opts)

	return &S3{
		bucket:     cfg.Bucket,
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		presign:    s3.NewPresignClient(client),
		log:        log.WithComponent("storage.s3"),
	}
}

func (s *S3) ref(key string) string {
	return s3Scheme + s.bucket + "/" + key
}

func (s *S3) key(ref string) (string, error) {
	prefix := s3Scheme + s.bucket + "/"
	if !strings.HasPrefix(ref, prefix) {
		return "", apperrors.Validationf("ref %q does not belong to bucket %s", ref, s.bucket)
	}
	return strings.TrimPrefix(ref, prefix), nil
}

func (s *S3) Put(ctx context.Context, key, localPath, contentType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", apperrors.WrapWithCode(err, apperrors.CodeUnavailable, "storage.put",
			fmt.Sprintf("failed to upload object %s to bucket %s", key, s.bucket))
	}

	s.log.FromContext(ctx).Info("[Storage] uploaded object", "bucket", s.bucket, "key", key)
	return s.ref(key), nil
}

func (s *S3) Fetch(ctx context.Context, ref, localPath string) error {
	key, err := s.key(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create dir: %w", err)
	}
	tmp := localPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	_, err = s.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	f.Close()
	if err != nil {
		os.Remove(tmp)
		return apperrors.WrapWithCode(err, apperrors.CodeUnavailable, "storage.fetch",
			fmt.Sprintf("failed to download object %s", key))
	}
	return os.Rename(tmp, localPath)
}

func (s *S3) SignedURL(ctx context.Context, ref string, expires time.Duration) (string, error) {
	key, err := s.key(ref)
	if err != nil {
		return "", err
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("failed to presign download: %w", err)
	}
	return req.URL, nil
}

func (s *S3) PresignUpload(ctx context.Context, key string, expires time.Duration) (string, string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", "", fmt.Errorf("failed to presign upload: %w", err)
	}
	return req.URL, s.ref(key), nil
}

// Delete removes every object under prefix, a page at a time.
func (s *S3) Delete(ctx context.Context, prefix string) error {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(strings.TrimSuffix(prefix, "/") + "/"),
	})

	deleted := 0
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects under %s: %w", prefix, err)
		}
		deleted += len(ids)
	}

	s.log.FromContext(ctx).Info("[Storage] deleted objects", "prefix", prefix, "count", deleted)
	return nil
}
