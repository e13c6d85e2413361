package models

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	KindImage = "image"
	KindFile  = "file"
)

// Upload is a user file stored by the backend until it expires.
type Upload struct {
	ID         string    `json:"id"`
	UserID     int64     `json:"user_id"`
	FileName   string    `json:"file_name"`
	StoredPath string    `json:"-"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Ref returns the reference a chat message carries for this upload.
func (u *Upload) Ref() AttachmentRef {
	return AttachmentRef{
		ID:       u.ID,
		Name:     u.FileName,
		Type:     AttachmentKind(u.MimeType),
		Size:     u.Size,
		MimeType: u.MimeType,
	}
}

// UploadResult is the per-file outcome of an upload request. Error is set
// when that file was rejected; the reference fields are empty in that case.
type UploadResult struct {
	AttachmentRef
	Error string `json:"error,omitempty"`
}

// Failed reports whether the backend rejected the file.
func (r UploadResult) Failed() bool {
	return r.Error != "" || r.ID == ""
}

// AttachmentKind classifies a mime type into the coarse kind sent on the wire.
func AttachmentKind(mimeType string) string {
	if strings.HasPrefix(mimeType, "image/") {
		return KindImage
	}
	return KindFile
}

// LocalFile is a file staged on the client before upload.
type LocalFile struct {
	Path     string
	Name     string
	MimeType string
	Size     int64
}

// Attachment returns the display metadata of the staged file.
func (f LocalFile) Attachment() Attachment {
	return Attachment{Name: f.Name, Size: f.Size, MimeType: f.MimeType}
}

// StatLocalFile builds a LocalFile for path, sniffing its content type.
func StatLocalFile(path string) (LocalFile, error) {
	fh, err := os.Open(path)
	if err != nil {
		return LocalFile{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return LocalFile{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return LocalFile{}, fmt.Errorf("%s is a directory", path)
	}
	buf := make([]byte, 512)
	n, err := fh.Read(buf)
	if err != nil && err != io.EOF {
		return LocalFile{}, fmt.Errorf("read %s: %w", path, err)
	}
	return LocalFile{
		Path:     path,
		Name:     filepath.Base(path),
		MimeType: http.DetectContentType(buf[:n]),
		Size:     info.Size(),
	}, nil
}
