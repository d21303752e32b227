package chat

import (
	"path"
	"strings"
)

// AttachmentKind is a presentational tag resolved from the URI
// extension. It is not authoritative.
type AttachmentKind string

const (
	KindImage    AttachmentKind = "image"
	KindVideo    AttachmentKind = "video"
	KindAudio    AttachmentKind = "audio"
	KindDocument AttachmentKind = "document"
	KindOther    AttachmentKind = "other"
)

// Attachment is a media reference attached to a message.
type Attachment struct {
	URI  string
	Kind AttachmentKind
}

var kindByExt = map[string]AttachmentKind{
	".png":  KindImage,
	".jpg":  KindImage,
	".jpeg": KindImage,
	".gif":  KindImage,
	".webp": KindImage,
	".mp4":  KindVideo,
	".mov":  KindVideo,
	".webm": KindVideo,
	".mkv":  KindVideo,
	".mp3":  KindAudio,
	".ogg":  KindAudio,
	".wav":  KindAudio,
	".m4a":  KindAudio,
	".pdf":  KindDocument,
	".doc":  KindDocument,
	".docx": KindDocument,
	".txt":  KindDocument,
	".csv":  KindDocument,
}

// SniffKind resolves an attachment kind from the URI extension.
func SniffKind(uri string) AttachmentKind {
	// Strip query strings before looking at the extension.
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		uri = uri[:i]
	}
	ext := strings.ToLower(path.Ext(uri))
	if kind, ok := kindByExt[ext]; ok {
		return kind
	}
	return KindOther
}

// NewAttachments builds attachments from raw URIs, sniffing each kind.
func NewAttachments(uris []string) []Attachment {
	if len(uris) == 0 {
		return nil
	}
	out := make([]Attachment, 0, len(uris))
	for _, u := range uris {
		out = append(out, Attachment{URI: u, Kind: SniffKind(u)})
	}
	return out
}

// SameAttachments compares two attachment lists by URI, order-sensitive.
func SameAttachments(a, b []Attachment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].URI != b[i].URI {
			return false
		}
	}
	return true
}
