package gdwatch

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client is the subset of *s3.Client used by S3Uploader.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader handles file uploads to Amazon S3.
type S3Uploader struct {
	client S3Client
}

func NewS3Uploader(client S3Client) *S3Uploader {
	return &S3Uploader{client: client}
}

// UploadInput contains parameters for uploading a file to S3.
type UploadInput struct {
	Bucket      string
	Key         string
	Body        io.Reader
	ContentType string
}

// UploadOutput contains the result of an upload operation.
type UploadOutput struct {
	S3URI string
	Size  int64
}

// Upload uploads data to S3 and returns the S3 URI.
func (u *S3Uploader) Upload(ctx context.Context, input *UploadInput) (*UploadOutput, error) {
	// PutObject needs a seekable body with a known length.
	buf, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, fmt.Errorf("read body for s3://%s/%s: %w", input.Bucket, input.Key, err)
	}
	putInput := &s3.PutObjectInput{
		Bucket:        aws.String(input.Bucket),
		Key:           aws.String(input.Key),
		Body:          bytes.NewReader(buf),
		ContentLength: aws.Int64(int64(len(buf))),
	}
	if input.ContentType != "" {
		putInput.ContentType = aws.String(input.ContentType)
	}
	if _, err := u.client.PutObject(ctx, putInput); err != nil {
		return nil, fmt.Errorf("upload to s3://%s/%s: %w", input.Bucket, input.Key, err)
	}
	return &UploadOutput{
		S3URI: fmt.Sprintf("s3://%s/%s", input.Bucket, input.Key),
		Size:  int64(len(buf)),
	}, nil
}

// SetS3Uploader replaces the uploader used by Download for s3:// outputs.
func (app *App) SetS3Uploader(u *S3Uploader) {
	app.s3Uploader = u
}

func (app *App) getS3Uploader(ctx context.Context) (*S3Uploader, error) {
	if app.s3Uploader != nil {
		return app.s3Uploader, nil
	}
	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	app.s3Uploader = NewS3Uploader(s3.NewFromConfig(awsCfg))
	return app.s3Uploader, nil
}
