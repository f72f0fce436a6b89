package router

import (
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Extractor turns stored bytes into searchable text.
type Extractor interface {
	Extract(contentType string, data []byte) string
}

// BinaryPlaceholder stands in for the text of content that is not indexed.
const BinaryPlaceholder = "[binary content]"

// TextExtractor indexes textual content types verbatim and marks everything
// else with BinaryPlaceholder.
type TextExtractor struct {
	MaxBytes int
}

func (e TextExtractor) Extract(contentType string, data []byte) string {
	if !isTextual(contentType) || !utf8.Valid(data) {
		return BinaryPlaceholder
	}
	limit := e.MaxBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	if len(data) > limit {
		data = data[:limit]
		for len(data) > 0 && !utf8.Valid(data) {
			data = data[:len(data)-1]
		}
	}
	return string(data)
}

func isTextual(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	switch mediaType {
	case "application/json", "application/xml", "application/x-yaml", "application/yaml", "application/x-ndjson":
		return true
	}
	return strings.HasSuffix(mediaType, "+json") || strings.HasSuffix(mediaType, "+xml")
}

func normalizeContentType(contentType, filename string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType != "" {
		return contentType
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}
