package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"unichat/internal/models"
)

const (
	maxUploadBytes   = 10 << 20
	userStorageLimit = 50 << 20
	sniffBytes       = 512
	maxNameSuffix    = 1000
)

// Accepted sniffed content types, matched by prefix.
var allowedContentTypes = []string{
	"text/plain",
	"text/markdown",
	"text/csv",
	"application/pdf",
	"application/json",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"image/",
}

var (
	errTooLarge     = errors.New("file too large")
	errQuota        = errors.New("storage quota exceeded")
	errUnsupported  = errors.New("unsupported file type")
	errOpenUpload   = errors.New("open file failed")
	errCreateDir    = errors.New("create directory failed")
	errSaveUpload   = errors.New("save file failed")
	errRecordUpload = errors.New("record file failed")
)

// upload stores each part of the "files" field independently. A rejected file
// is reported in its own result and does not fail the request.
func (h *Handler) upload(c *gin.Context) {
	userID := caller(c).UserID
	form, err := c.MultipartForm()
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid multipart form")
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		fail(c, http.StatusBadRequest, "files are required")
		return
	}
	used, err := h.assistant.UploadStorageUsage(c.Request.Context(), userID)
	if err != nil {
		h.log.Error("upload usage", zap.Int64("user_id", userID), zap.Error(err))
		fail(c, http.StatusInternalServerError, "calculate usage failed")
		return
	}

	results := make([]models.UploadResult, 0, len(files))
	for _, fh := range files {
		stored, err := h.storeUpload(c, userID, fh, used)
		if err != nil {
			h.log.Info("upload rejected", zap.Int64("user_id", userID), zap.String("file", fh.Filename), zap.Error(err))
			results = append(results, models.UploadResult{
				AttachmentRef: models.AttachmentRef{Name: filepath.Base(fh.Filename)},
				Error:         err.Error(),
			})
			continue
		}
		used += stored.Size
		results = append(results, models.UploadResult{AttachmentRef: stored.Ref()})
	}
	c.JSON(http.StatusCreated, gin.H{"files": results})
}

func (h *Handler) storeUpload(c *gin.Context, userID int64, fh *multipart.FileHeader, used int64) (*models.Upload, error) {
	if fh.Size > maxUploadBytes {
		return nil, errTooLarge
	}
	if used+fh.Size > userStorageLimit {
		return nil, errQuota
	}
	mimeType, err := sniffUpload(fh)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(h.fileBase, strconv.FormatInt(userID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errCreateDir
	}
	name := freeName(dir, filepath.Base(fh.Filename))
	path := filepath.Join(dir, name)
	if err := c.SaveUploadedFile(fh, path); err != nil {
		return nil, errSaveUpload
	}
	up, err := h.assistant.RecordUpload(c.Request.Context(), userID, name, path, mimeType, fh.Size, h.fileTTL)
	if err != nil {
		_ = os.Remove(path)
		h.log.Error("record upload", zap.Int64("user_id", userID), zap.Error(err))
		return nil, errRecordUpload
	}
	return up, nil
}

// sniffUpload classifies the file by its leading bytes, ignoring the declared type.
func sniffUpload(fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", errOpenUpload
	}
	defer f.Close()
	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", errOpenUpload
	}
	ct := http.DetectContentType(head[:n])
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return ct, nil
		}
	}
	return "", errUnsupported
}

// freeName returns name, or "name (n).ext" for the first n not taken in dir.
func freeName(dir, name string) string {
	if !exists(filepath.Join(dir, name)) {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; n <= maxNameSuffix; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if !exists(filepath.Join(dir, candidate)) {
			return candidate
		}
	}
	return fmt.Sprintf("%s-%d%s", stem, time.Now().UnixNano(), ext)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
