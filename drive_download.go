package gdwatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/api/drive/v3"
)

// ExportMIMETypes maps export format names to MIME types.
// Used for exporting Google Workspace files to standard formats.
var ExportMIMETypes = map[string]string{
	"pdf":  "application/pdf",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"csv":  "text/csv",
	"txt":  "text/plain",
	"html": "text/html",
	"rtf":  "application/rtf",
	"odt":  "application/vnd.oasis.opendocument.text",
	"ods":  "application/vnd.oasis.opendocument.spreadsheet",
	"odp":  "application/vnd.oasis.opendocument.presentation",
	"png":  "image/png",
	"jpeg": "image/jpeg",
	"svg":  "image/svg+xml",
}

// DownloadOption contains options for the download command.
type DownloadOption struct {
	FileID       string `arg:"" name:"file-id" help:"id of the file to download"`
	Output       string `short:"o" help:"output path or s3://bucket/key (default ./<file-id><ext>)" env:"GDWATCH_DOWNLOAD_OUTPUT"`
	ExportFormat string `help:"export format for Google Workspace documents" default:"pdf" env:"GDWATCH_EXPORT_FORMAT"`
}

// DriveDownloader handles file downloads and exports from Google Drive.
type DriveDownloader struct {
	svc *drive.Service
}

func NewDriveDownloader(svc *drive.Service) *DriveDownloader {
	return &DriveDownloader{svc: svc}
}

// DownloadResult contains the result of a download or export operation.
type DownloadResult struct {
	Body        io.ReadCloser
	ContentType string
	Extension   string
}

// Download downloads the content of a regular (non Workspace) file.
func (d *DriveDownloader) Download(ctx context.Context, fileID string) (*DownloadResult, error) {
	resp, err := d.svc.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", fileID, err)
	}
	return &DownloadResult{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// Export exports a Google Workspace file to the specified format.
func (d *DriveDownloader) Export(ctx context.Context, fileID, format string) (*DownloadResult, error) {
	format = strings.ToLower(format)
	mimeType, ok := ExportMIMETypes[format]
	if !ok {
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
	resp, err := d.svc.Files.Export(fileID, mimeType).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("export file %s as %s: %w", fileID, format, err)
	}
	return &DownloadResult{
		Body:        resp.Body,
		ContentType: mimeType,
		Extension:   "." + format,
	}, nil
}

// IsGoogleWorkspaceFile returns true if the MIME type is a Google Workspace file.
func IsGoogleWorkspaceFile(mimeType string) bool {
	return strings.HasPrefix(mimeType, "application/vnd.google-apps.")
}

// DownloadOrExport exports Google Workspace files (default format: pdf) and
// downloads every other file as is.
func (d *DriveDownloader) DownloadOrExport(ctx context.Context, f *drive.File, exportFormat string) (*DownloadResult, error) {
	if IsGoogleWorkspaceFile(f.MimeType) {
		if exportFormat == "" {
			exportFormat = "pdf"
		}
		return d.Export(ctx, f.Id, exportFormat)
	}
	result, err := d.Download(ctx, f.Id)
	if err != nil {
		return nil, err
	}
	result.Extension = filepath.Ext(f.Name)
	return result, nil
}

// Download saves a file to the local disk or to Amazon S3.
func (app *App) Download(ctx context.Context, opt DownloadOption) error {
	if opt.FileID == "" {
		return fmt.Errorf("file id is required")
	}
	f, err := app.driveSvc.Files.Get(opt.FileID).Fields("id", "name", "mimeType").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("get file %s: %w", opt.FileID, err)
	}
	if f.Id == "" {
		f.Id = opt.FileID
	}
	result, err := NewDriveDownloader(app.driveSvc).DownloadOrExport(ctx, f, opt.ExportFormat)
	if err != nil {
		return err
	}
	defer result.Body.Close()

	dest := opt.Output
	if dest == "" {
		dest = "./" + opt.FileID + result.Extension
	}
	if bucket, key, ok := parseS3URL(dest); ok {
		uploader, err := app.getS3Uploader(ctx)
		if err != nil {
			return err
		}
		out, err := uploader.Upload(ctx, &UploadInput{
			Bucket:      bucket,
			Key:         key,
			Body:        result.Body,
			ContentType: result.ContentType,
		})
		if err != nil {
			return err
		}
		slog.InfoContext(ctx, "file uploaded", "file_id", opt.FileID, "s3_uri", out.S3URI, "size", out.Size)
	} else {
		n, err := writeFile(dest, result.Body)
		if err != nil {
			return err
		}
		slog.InfoContext(ctx, "file saved", "file_id", opt.FileID, "path", dest, "size", n)
	}
	_, err = fmt.Fprintln(app.stdout, "File downloaded.")
	return err
}

// writeFile stores r at path through a temp file in the same directory,
// so a failed download leaves no partial file behind.
func writeFile(path string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()
	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return n, fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return n, fmt.Errorf("chmod %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return n, fmt.Errorf("rename %s: %w", tmpPath, err)
	}
	success = true
	return n, nil
}

// parseS3URL splits s3://bucket/key.
func parseS3URL(s string) (bucket, key string, ok bool) {
	u, err := url.Parse(s)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", false
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", false
	}
	return u.Host, key, true
}
