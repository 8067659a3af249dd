package storage

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
)

// LocalFile 是待上传的本地文件。
type LocalFile struct {
	*os.File
	Name     string
	Size     int64
	MimeType string
}

// OpenAttachment opens path for upload. The mime type is guessed from the
// extension and defaults to application/octet-stream.
func OpenAttachment(path string) (*LocalFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开附件失败 '%s': %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("读取附件信息失败 '%s': %w", path, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("'%s' 是目录", path)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &LocalFile{
		File:     f,
		Name:     filepath.Base(path),
		Size:     info.Size(),
		MimeType: mimeType,
	}, nil
}
