package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

const (
	// single-shot limit for PutObject; larger files go through multipart
	singleShotLimit = 5 * 1024 * 1024 * 1024
	multipartChunk  = 5 * 1024 * 1024

	lifecycleRuleID = "DownloadedFileExpireRule"
)

// S3Service uploads downloaded files to Amazon S3 (or compatible APIs).
type S3Service struct {
	client     *s3.Client
	bucket     string
	expireDays int
	logger     *logrus.Logger
}

func NewS3Service(client *s3.Client, bucket string, expireDays int, logger *logrus.Logger) *S3Service {
	return &S3Service{
		client:     client,
		bucket:     bucket,
		expireDays: expireDays,
		logger:     logger,
	}
}

func (s *S3Service) EnsureBucket(ctx context.Context) error {
	if s.bucket == "" {
		return fmt.Errorf("storage bucket is required")
	}

	lifecycle := &s3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(s.bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{
			Rules: []types.LifecycleRule{
				{
					ID:     aws.String(lifecycleRuleID),
					Status: types.ExpirationStatusEnabled,
					Filter: &types.LifecycleRuleFilter{Prefix: aws.String("")},
					Expiration: &types.LifecycleExpiration{
						Days: aws.Int32(int32(s.expireDays)),
					},
				},
			},
		},
	}

	buckets, err := s.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}
	exists := false
	for _, bucket := range buckets.Buckets {
		if aws.ToString(bucket.Name) == s.bucket {
			exists = true
			break
		}
	}

	if !exists {
		if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
		if _, err := s.client.PutBucketLifecycleConfiguration(ctx, lifecycle); err != nil {
			return fmt.Errorf("put lifecycle configuration: %w", err)
		}
		return nil
	}

	current, err := s.client.GetBucketLifecycleConfiguration(ctx, &s3.GetBucketLifecycleConfigurationInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		var apiErr interface{ ErrorCode() string }
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchLifecycleConfiguration" {
			s.logger.Infof("no lifecycle configuration found, applying expire rule of %d days", s.expireDays)
			if _, err := s.client.PutBucketLifecycleConfiguration(ctx, lifecycle); err != nil {
				return fmt.Errorf("put lifecycle configuration: %w", err)
			}
			return nil
		}
		return fmt.Errorf("get lifecycle configuration: %w", err)
	}

	for _, rule := range current.Rules {
		if aws.ToString(rule.ID) != lifecycleRuleID {
			continue
		}
		if rule.Expiration != nil && aws.ToInt32(rule.Expiration.Days) == int32(s.expireDays) {
			return nil
		}
	}
	s.logger.Infof("lifecycle configuration mismatch, replacing with expire rule of %d days", s.expireDays)
	if _, err := s.client.PutBucketLifecycleConfiguration(ctx, lifecycle); err != nil {
		return fmt.Errorf("put lifecycle configuration: %w", err)
	}
	return nil
}

func (s *S3Service) Upload(ctx context.Context, localFilePath string) (string, error) {
	if s.bucket == "" {
		return "", fmt.Errorf("storage bucket is required")
	}
	key := filepath.Base(localFilePath)

	info, err := os.Stat(localFilePath)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", localFilePath, err)
	}

	if info.Size() <= singleShotLimit {
		f, err := os.Open(localFilePath)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", localFilePath, err)
		}
		defer f.Close()

		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(info.Size()),
		})
		if err != nil {
			return "", fmt.Errorf("upload %s: %w", localFilePath, err)
		}
		s.logger.Infof("uploaded %s to s3://%s/%s", localFilePath, s.bucket, key)
		return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
	}

	return s.multipartUpload(ctx, localFilePath, key, info.Size())
}

// multipartUpload streams the file in fixed-size parts with sequential part
// numbers and aborts the upload on any failure so no orphaned parts accrue.
func (s *S3Service) multipartUpload(ctx context.Context, localFilePath, key string, totalSize int64) (string, error) {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload: %w", err)
	}
	uploadID := created.UploadId

	location, err := s.uploadParts(ctx, localFilePath, key, uploadID, totalSize)
	if err != nil {
		if _, abortErr := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		}); abortErr != nil {
			s.logger.WithError(abortErr).Warn("failed to abort multipart upload")
		}
		return "", err
	}
	return location, nil
}

func (s *S3Service) uploadParts(ctx context.Context, localFilePath, key string, uploadID *string, totalSize int64) (string, error) {
	f, err := os.Open(localFilePath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localFilePath, err)
	}
	defer f.Close()

	var (
		completed   []types.CompletedPart
		partNumber  int32 = 1
		accumulated int64
		buf         = make([]byte, multipartChunk)
	)
	for {
		n, readErr := io.ReadFull(f, buf)
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			return "", fmt.Errorf("read part %d: %w", partNumber, readErr)
		}

		part, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(partNumber),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		})
		if err != nil {
			return "", fmt.Errorf("upload part %d: %w", partNumber, err)
		}
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(partNumber),
			ETag:       part.ETag,
		})
		accumulated += int64(n)
		s.logger.Infof("uploaded part %d (%.2f%%)", partNumber, float64(accumulated)/float64(totalSize)*100)
		partNumber++

		if readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", fmt.Errorf("complete multipart upload: %w", err)
	}
	s.logger.Infof("completed multipart upload for %s to s3://%s/%s", localFilePath, s.bucket, key)
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

var _ Service = (*S3Service)(nil)
