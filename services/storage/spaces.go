package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// SpacesClient archives settlement receipts in an S3-compatible bucket
type SpacesClient struct {
	s3Client *s3.S3
	bucket   string
	region   string
	endpoint string
}

// SpacesConfig holds configuration for the Spaces client
type SpacesConfig struct {
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Endpoint  string
}

// NewSpacesClient creates a new Spaces client
func NewSpacesClient(config SpacesConfig) (*SpacesClient, error) {
	sess, err := session.NewSession(&aws.Config{
		Credentials: credentials.NewStaticCredentials(
			config.AccessKey,
			config.SecretKey,
			"",
		),
		Endpoint:         aws.String(config.Endpoint),
		Region:           aws.String(config.Region),
		S3ForcePathStyle: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Spaces session: %w", err)
	}

	return &SpacesClient{
		s3Client: s3.New(sess),
		bucket:   config.Bucket,
		region:   config.Region,
		endpoint: config.Endpoint,
	}, nil
}

// UploadBytes uploads bytes to Spaces. Receipts are private; nothing in the
// archive is ever served to end users directly.
func (s *SpacesClient) UploadBytes(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        aws.ReadSeekCloser(bytes.NewReader(data)),
		ACL:         aws.String("private"),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload object: %w", err)
	}

	return fmt.Sprintf("https://%s.%s/%s", s.bucket, s.endpoint, key), nil
}

// Exists checks whether an object is already archived
func (s *SpacesClient) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.s3Client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}
