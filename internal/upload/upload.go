// Package upload sends captured photos to S3 under
// <instanceCode>/<rollNumber>/<pose>.jpg and mints instance codes.
package upload

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
)

const (
	codeLength   = 6
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var (
	ErrInvalidInstanceCode = errors.New("instance code must be up to 6 letters or digits")
	ErrNoUniqueCode        = errors.New("could not find an unused instance code")
)

var codePattern = regexp.MustCompile(`^[A-Za-z0-9]{0,6}$`)

// ValidInstanceCode reports whether code may be typed in as an instance code.
func ValidInstanceCode(code string) bool {
	return codePattern.MatchString(code)
}

// Key returns the object key for a pose photo.
func Key(instanceCode, rollNumber, pose string) string {
	return fmt.Sprintf("%s/%s/%s.jpg", instanceCode, rollNumber, pose)
}

// GenerateCode returns a random uppercase alphanumeric code.
func GenerateCode(r io.Reader) (string, error) {
	buf := make([]byte, codeLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

// NewInstanceCode generates codes until exists reports one unused, giving up
// after attempts tries.
func NewInstanceCode(ctx context.Context, exists func(ctx context.Context, code string) (bool, error), attempts int) (string, error) {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		code, err := GenerateCode(rand.Reader)
		if err != nil {
			return "", err
		}
		taken, err := exists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check instance code: %w", err)
		}
		if !taken {
			return code, nil
		}
	}
	return "", ErrNoUniqueCode
}

// S3 uploads photos to a bucket.
type S3 struct {
	bucket   string
	client   s3iface.S3API
	uploader s3manageriface.UploaderAPI
	log      *slog.Logger
}

// NewS3 opens an AWS session for region. Static credentials are taken from
// AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY when set, otherwise the default
// provider chain applies.
func NewS3(bucket, region string, logger *slog.Logger) (*S3, error) {
	if bucket == "" {
		return nil, errors.New("upload: bucket is required")
	}
	cfg := &aws.Config{Region: aws.String(region)}
	if id := os.Getenv("AWS_ACCESS_KEY_ID"); id != "" {
		cfg.Credentials = credentials.NewStaticCredentials(id, os.Getenv("AWS_SECRET_ACCESS_KEY"), "")
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	client := s3.New(sess)
	return newS3(bucket, client, s3manager.NewUploaderWithClient(client), logger), nil
}

func newS3(bucket string, client s3iface.S3API, uploader s3manageriface.UploaderAPI, logger *slog.Logger) *S3 {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3{bucket: bucket, client: client, uploader: uploader, log: logger}
}

// Upload stores data under key and returns the object location.
func (s *S3) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	out, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", err
	}
	s.log.Debug("photo uploaded", "bucket", s.bucket, "key", key, "location", out.Location)
	return out.Location, nil
}

// CodeExists reports whether any object lives under the code's prefix.
func (s *S3) CodeExists(ctx context.Context, code string) (bool, error) {
	out, err := s.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(code + "/"),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return false, err
	}
	return aws.Int64Value(out.KeyCount) > 0 || len(out.Contents) > 0, nil
}
