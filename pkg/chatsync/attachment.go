package chatsync

import (
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// AttachmentKind is the coarse presentation category of an attachment.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentFile  AttachmentKind = "file"
)

// Attachment describes a media payload referenced by a message. The bytes
// live behind URL on the hosted store; the engine never downloads them.
type Attachment struct {
	Kind    AttachmentKind `json:"kind"`
	URL     string         `json:"url"`
	Size    int64          `json:"size"`
	Caption string         `json:"caption,omitempty"`
}

// DetectAttachmentKind classifies an attachment when the server omits the
// kind. Sniffs leading bytes when available, otherwise falls back to the
// URL's extension.
func DetectAttachmentKind(url string, head []byte) AttachmentKind {
	if len(head) > 0 {
		mime := mimetype.Detect(head)
		return kindFromMIME(mime.String())
	}
	ext := strings.ToLower(path.Ext(stripQuery(url)))
	if ext == "" {
		return AttachmentFile
	}
	if mime := mimetype.Lookup(mimeForExt(ext)); mime != nil {
		return kindFromMIME(mime.String())
	}
	return AttachmentFile
}

func kindFromMIME(mime string) AttachmentKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return AttachmentImage
	case strings.HasPrefix(mime, "video/"):
		return AttachmentVideo
	case strings.HasPrefix(mime, "audio/"):
		return AttachmentAudio
	default:
		return AttachmentFile
	}
}

func stripQuery(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}

// mimeForExt maps common extensions seen in attachment URLs to MIME types.
// mimetype.Lookup resolves the canonical entry (including aliases).
func mimeForExt(ext string) string {
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/x-m4a"
	case ".ogg":
		return "audio/ogg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
