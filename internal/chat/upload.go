package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/jonboulle/clockwork"
)

// ErrUploadsDisabled is returned when no bucket is configured
var ErrUploadsDisabled = errors.New("attachment uploads are not configured")

// S3Uploader stores attachment blobs in a public S3 bucket
type S3Uploader struct {
	uploader      s3manageriface.UploaderAPI
	bucket        string
	publicBaseURL string
	clock         clockwork.Clock
}

// NewS3Uploader builds an uploader from the default AWS credential chain
func NewS3Uploader(bucket, region, publicBaseURL string) (*S3Uploader, error) {
	if bucket == "" {
		return nil, ErrUploadsDisabled
	}
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return NewS3UploaderWith(s3manager.NewUploader(sess), bucket, publicBaseURL, nil), nil
}

// NewS3UploaderWith wraps an existing s3manager uploader
func NewS3UploaderWith(u s3manageriface.UploaderAPI, bucket, publicBaseURL string, clock clockwork.Clock) *S3Uploader {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &S3Uploader{
		uploader:      u,
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		clock:         clock,
	}
}

// ObjectKey is public/<owner>-<unixMillis>-<name>
func ObjectKey(owner string, millis int64, name string) string {
	return fmt.Sprintf("public/%s-%d-%s", owner, millis, name)
}

// Upload stores body under a key derived from owner and name and returns
// its public URL
func (u *S3Uploader) Upload(ctx context.Context, owner, name, contentType string, body io.Reader) (string, error) {
	key := ObjectKey(owner, u.clock.Now().UnixMilli(), name)
	input := &s3manager.UploadInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	out, err := u.uploader.UploadWithContext(ctx, input)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if u.publicBaseURL != "" {
		return u.publicBaseURL + "/" + escapeKey(key), nil
	}
	return out.Location, nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
