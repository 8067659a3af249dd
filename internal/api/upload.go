package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/dustin/go-humanize"
	jww "github.com/spf13/jwalterweatherman"

	"im-realtime/internal/imtypes"
)

// UploadRequest describes one attachment upload. Size is the content length
// or -1 when unknown.
type UploadRequest struct {
	FileName   string
	Body       io.Reader
	Size       int64
	Encryption map[string]any
	Progress   imtypes.UploadProgress
}

// progressReader 统计已读取的字节并回调进度。
type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    imtypes.UploadProgress
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(p.sent, p.total)
		}
	}
	return n, err
}

// UploadAttachment streams a file to the conversation's attachment endpoint
// and returns the descriptor whose upload token is referenced when sending.
func (c *Client) UploadAttachment(ctx context.Context, conversationID string, up UploadRequest) (imtypes.AttachmentDescriptor, error) {
	if up.Body == nil {
		return imtypes.AttachmentDescriptor{}, fmt.Errorf("上传 %q: 内容为空", up.FileName)
	}
	total := up.Size
	if total < 0 {
		total = -1
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeUploadParts(mw, up, &progressReader{r: up.Body, total: total, fn: up.Progress})
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+conversationPath(conversationID, "attachments"), pr)
	if err != nil {
		pr.Close()
		return imtypes.AttachmentDescriptor{}, fmt.Errorf("创建上传请求失败: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	if total >= 0 {
		jww.INFO.Printf("[api] 上传附件 %s (%s) 到会话 %s", up.FileName, humanize.Bytes(uint64(total)), conversationID)
	} else {
		jww.INFO.Printf("[api] 上传附件 %s 到会话 %s", up.FileName, conversationID)
	}

	var desc imtypes.AttachmentDescriptor
	if _, err := c.send(req, &desc); err != nil {
		pr.CloseWithError(err)
		return imtypes.AttachmentDescriptor{}, err
	}
	return desc, nil
}

func writeUploadParts(mw *multipart.Writer, up UploadRequest, body io.Reader) error {
	if up.Encryption != nil {
		meta, err := json.Marshal(up.Encryption)
		if err != nil {
			return fmt.Errorf("编码加密元数据失败: %w", err)
		}
		if err := mw.WriteField("encryption", string(meta)); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", up.FileName)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, body)
	return err
}
