package messenger

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/matheus3301/chatlink/internal/model"
	"github.com/matheus3301/chatlink/internal/outbound"
	"go.uber.org/zap"
)

// SendFile uploads the file at path and sends it to conversationID as a
// media message captioned with its original name.
func (m *Messenger) SendFile(ctx context.Context, conversationID, path string) (string, *outbound.Receipt, error) {
	conv, err := m.Open(ctx, conversationID)
	if err != nil {
		return "", nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("open upload: %w", err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return "", nil, fmt.Errorf("stat upload: %w", err)
	}
	contentType, err := detectContentType(f, path)
	if err != nil {
		return "", nil, err
	}

	media, err := m.backend.Upload(ctx, filepath.Base(path), contentType, f)
	if err != nil {
		return "", nil, fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}
	size := media.Size
	if size == 0 {
		size = info.Size()
	}
	m.logger.Info("media uploaded", zap.String("conversation", conversationID), zap.String("url", media.URL), zap.Int64("size", size))

	return conv.SendOptimistic(model.Draft{
		Text:     media.OriginalName,
		Type:     mediaType(media.Type, contentType),
		MediaURL: media.URL,
		FileName: media.OriginalName,
		FileSize: size,
		MimeType: contentType,
	})
}

// detectContentType uses the extension, falling back to sniffing the
// first 512 bytes. f is rewound.
func detectContentType(f io.ReadSeeker, path string) (string, error) {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct, nil
	}
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind upload: %w", err)
	}
	return http.DetectContentType(head[:n]), nil
}

// mediaType prefers the kind the backend reported and otherwise derives
// it from the content type.
func mediaType(reported, contentType string) model.MessageType {
	if reported != "" {
		return model.ParseType(reported)
	}
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return model.TypeImage
	case strings.HasPrefix(contentType, "video/"):
		return model.TypeVideo
	case strings.HasPrefix(contentType, "audio/"):
		return model.TypeAudio
	default:
		return model.TypeDocument
	}
}
