// File: protocol/mime.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"mime"
	"path/filepath"
	"strings"
)

// Content types set by the response helpers.
const (
	ContentTypeText   = "text/plain; charset=utf-8"
	ContentTypeHTML   = "text/html; charset=utf-8"
	ContentTypeJSON   = "application/json"
	ContentTypeBinary = "application/octet-stream"
)

// extra covers extensions missing from the platform table on minimal
// systems.
var extra = map[string]string{
	".md":   "text/markdown; charset=utf-8",
	".txt":  ContentTypeText,
	".log":  ContentTypeText,
	".ico":  "image/x-icon",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".wav":  "audio/wav",
	".woff": "font/woff",
	".ttf":  "font/ttf",
	".zip":  "application/zip",
	".gz":   "application/gzip",
	".tar":  "application/x-tar",
}

// ContentTypeByPath picks the Content-Type for a file from its extension.
func ContentTypeByPath(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return ContentTypeBinary
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	if t, ok := extra[ext]; ok {
		return t
	}
	return ContentTypeBinary
}
