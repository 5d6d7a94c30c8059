package extract

import (
	"bytes"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const octetStream = "application/octet-stream"

// DetectMediaType returns the declared media type when it is specific, otherwise
// sniffs magic bytes, then falls back to the filename extension.
func DetectMediaType(data []byte, declared, filename string) string {
	if mt := normalizeMediaType(declared); mt != "" && mt != octetStream {
		return mt
	}
	if mt := detectFromMagicBytes(data); mt != "" {
		return mt
	}
	if ext := filepath.Ext(filename); ext != "" {
		if mt := normalizeMediaType(mime.TypeByExtension(ext)); mt != "" {
			return mt
		}
	}
	return octetStream
}

func normalizeMediaType(mt string) string {
	if mt == "" {
		return ""
	}
	parsed, _, err := mime.ParseMediaType(mt)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(mt))
	}
	return parsed
}

func detectFromMagicBytes(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	switch {
	case bytes.HasPrefix(data, []byte("%PDF")):
		return "application/pdf"
	case len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return "image/webp"
	case bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}):
		return "image/tiff"
	case bytes.HasPrefix(data, []byte("BM")):
		return "image/bmp"
	}

	if looksLikeText(data) {
		return "text/plain"
	}
	return ""
}

// looksLikeText accepts valid UTF-8 without control bytes other than whitespace
func looksLikeText(data []byte) bool {
	sample := data[:min(len(data), 2048)]
	// do not reject a sample that ends mid-rune
	for i := 0; i < utf8.UTFMax-1 && len(sample) > 0 && len(data) > len(sample) && !utf8.Valid(sample); i++ {
		sample = sample[:len(sample)-1]
	}
	if !utf8.Valid(sample) {
		return false
	}
	for _, b := range sample {
		if b < 0x20 && b != '\n' && b != '\r' && b != '\t' && b != '\f' {
			return false
		}
	}
	return true
}
