package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"go.uber.org/zap"

	"unichat/internal/models"
)

const maxAttachmentRunes = 8000

// AttachmentReader renders uploads into prompt text. Text files are loaded
// and inlined; other files are described by name and type.
type AttachmentReader struct {
	loader *file.FileLoader
	log    *zap.Logger
}

func NewAttachmentReader(ctx context.Context, log *zap.Logger) (*AttachmentReader, error) {
	extParser, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("attachment parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      extParser,
	})
	if err != nil {
		return nil, fmt.Errorf("attachment loader: %w", err)
	}
	return &AttachmentReader{loader: loader, log: log}, nil
}

// Render returns the prompt section for uploads, or "" when there are none.
func (r *AttachmentReader) Render(ctx context.Context, uploads []models.Upload) string {
	if len(uploads) == 0 {
		return ""
	}
	var b strings.Builder
	for _, up := range uploads {
		b.WriteString("\n\n")
		if !isTextual(up.MimeType) {
			fmt.Fprintf(&b, "[Attached %s: %s (%s, %d bytes)]", models.AttachmentKind(up.MimeType), up.FileName, up.MimeType, up.Size)
			continue
		}
		text, err := r.load(ctx, up.StoredPath)
		if err != nil {
			r.log.Warn("load attachment", zap.String("upload_id", up.ID), zap.Error(err))
			fmt.Fprintf(&b, "[Attached file: %s (unreadable)]", up.FileName)
			continue
		}
		fmt.Fprintf(&b, "[Attached file: %s]\n%s", up.FileName, text)
	}
	return b.String()
}

func (r *AttachmentReader) load(ctx context.Context, path string) (string, error) {
	docs, err := r.loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return "", err
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	text := strings.TrimSpace(builder.String())
	if runes := []rune(text); len(runes) > maxAttachmentRunes {
		text = string(runes[:maxAttachmentRunes]) + "\n[truncated]"
	}
	return text, nil
}

func isTextual(mimeType string) bool {
	mimeType = strings.ToLower(mimeType)
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	switch {
	case strings.HasPrefix(mimeType, "text/"):
		return true
	case mimeType == "application/json", mimeType == "application/xml":
		return true
	}
	return false
}
