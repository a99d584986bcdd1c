package pipeline

import (
	"net/http"
	"path/filepath"
	"strings"
)

// Photo is an opaque captured image. Callers never need to know how it was taken.
type Photo struct {
	Name        string
	ContentType string
	Data        []byte
}

// DetectContentType fills ContentType from the bytes when unset.
func (p Photo) DetectContentType() string {
	if p.ContentType != "" {
		return p.ContentType
	}
	return http.DetectContentType(p.Data)
}

// Ext returns a file extension matching the content type.
func (p Photo) Ext() string {
	switch ct := p.DetectContentType(); {
	case strings.HasPrefix(ct, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(ct, "image/png"):
		return ".png"
	case strings.HasPrefix(ct, "image/gif"):
		return ".gif"
	}
	if ext := filepath.Ext(p.Name); ext != "" {
		return strings.ToLower(ext)
	}
	return ".bin"
}
