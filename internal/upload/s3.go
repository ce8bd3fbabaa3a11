// internal/upload/s3.go
// S3-backed image hosting.

package upload

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
)

type S3Uploader struct {
	s3Client *s3.S3
	bucket   string
	cdnURL   string
}

// NewS3Uploader creates an uploader writing into bucket. Returned URLs are
// rooted at cdnURL.
func NewS3Uploader(awsSession *session.Session, bucket, cdnURL string) *S3Uploader {
	return &S3Uploader{
		s3Client: s3.New(awsSession),
		bucket:   bucket,
		cdnURL:   cdnURL,
	}
}

// Upload stores the image under a dated unique key and returns its public
// URL.
func (u *S3Uploader) Upload(ctx context.Context, data []byte, filename, contentType string) (string, error) {
	key := fmt.Sprintf("chat-images/%s/%s%s",
		time.Now().Format("2006/01/02"),
		uuid.New().String(),
		filepath.Ext(filename),
	)

	_, err := u.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
		ACL:           aws.String("public-read"),
		Metadata: map[string]*string{
			"uploaded-at": aws.String(time.Now().Format(time.RFC3339)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload to S3: %w", err)
	}

	return fmt.Sprintf("%s/%s", u.cdnURL, key), nil
}
