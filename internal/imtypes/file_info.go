// internal/imtypes/file_info.go
package imtypes

// AttachmentDescriptor 是上传接口返回的附件描述。
// UploadToken 在发送消息时引用该附件。
type AttachmentDescriptor struct {
	ID          string `json:"id,omitempty"`
	UploadToken string `json:"upload_token"`
	FileName    string `json:"file_name"`
	MimeType    string `json:"mime_type"`
	SizeBytes   int64  `json:"size_bytes"`
	SHA256      string `json:"sha256,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

// UploadProgress is called with the bytes sent so far and the total size.
// Total is -1 when the size is unknown.
type UploadProgress func(sent, total int64)
