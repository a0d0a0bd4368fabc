package gdwatch

import (
	"context"
	"log/slog"

	"github.com/Songmu/flextime"
	"github.com/mashiike/gdwatch/pkg/gdwatchevent"
	"google.golang.org/api/drive/v3"
)

// ChangeCopier stores a copy of the watched file for a reported change.
type ChangeCopier interface {
	// Copy returns nil when nothing was copied.
	Copy(ctx context.Context, target string, c *gdwatchevent.Change) *gdwatchevent.S3CopyResult
}

// S3Copier copies the watched file from Google Drive to S3 based on configuration rules.
type S3Copier struct {
	config     *S3CopyConfig
	downloader *DriveDownloader
	uploader   *S3Uploader
}

func NewS3Copier(config *S3CopyConfig, driveSvc *drive.Service, uploader *S3Uploader) *S3Copier {
	return &S3Copier{
		config:     config,
		downloader: NewDriveDownloader(driveSvc),
		uploader:   uploader,
	}
}

// Copy evaluates the rules and copies the file to S3 if a rule matches.
// Removed files are always skipped. Errors are logged as warnings and never
// fail the poll cycle.
func (c *S3Copier) Copy(ctx context.Context, target string, change *gdwatchevent.Change) *gdwatchevent.S3CopyResult {
	if change == nil || change.Removed {
		slog.DebugContext(ctx, "s3copy: skipping removed file")
		return nil
	}
	rule, err := c.config.Match(target, change)
	if err != nil {
		slog.WarnContext(ctx, "s3copy: failed to match rules", "error", err)
		return nil
	}
	if rule == nil {
		slog.DebugContext(ctx, "s3copy: no matching rule")
		return nil
	}
	if rule.Skip {
		slog.DebugContext(ctx, "s3copy: matched skip rule")
		return nil
	}
	bucketName, err := c.config.GetBucketName(rule, target, change)
	if err != nil {
		slog.WarnContext(ctx, "s3copy: failed to evaluate bucket_name", "error", err)
		return nil
	}
	objectKey, err := c.config.GetObjectKey(rule, target, change)
	if err != nil {
		slog.WarnContext(ctx, "s3copy: failed to evaluate object_key", "error", err)
		return nil
	}
	f := &drive.File{Id: change.FileID}
	if change.File != nil {
		f.Name = change.File.Name
		f.MimeType = change.File.MimeType
	}
	slog.InfoContext(ctx, "s3copy: starting copy",
		"file_id", f.Id,
		"bucket", bucketName,
		"key", objectKey,
		"export", rule.Export,
	)
	downloadResult, err := c.downloader.DownloadOrExport(ctx, f, rule.Export)
	if err != nil {
		slog.WarnContext(ctx, "s3copy: failed to download/export file", "file_id", f.Id, "error", err)
		return nil
	}
	defer downloadResult.Body.Close()

	uploadOutput, err := c.uploader.Upload(ctx, &UploadInput{
		Bucket:      bucketName,
		Key:         objectKey,
		Body:        downloadResult.Body,
		ContentType: downloadResult.ContentType,
	})
	if err != nil {
		slog.WarnContext(ctx, "s3copy: failed to upload to S3", "bucket", bucketName, "key", objectKey, "error", err)
		return nil
	}
	slog.InfoContext(ctx, "s3copy: copy completed", "s3_uri", uploadOutput.S3URI, "content_type", downloadResult.ContentType)
	return &gdwatchevent.S3CopyResult{
		S3URI:       uploadOutput.S3URI,
		ContentType: downloadResult.ContentType,
		Size:        uploadOutput.Size,
		CopiedAt:    flextime.Now(),
	}
}
