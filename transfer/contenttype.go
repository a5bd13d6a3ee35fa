package transfer

import (
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
)

const fallbackContentType = "application/octet-stream"

// sniffLen bounds how many leading bytes the magic-number sniff reads.
const sniffLen = 3072

// extraTypes covers extensions the stdlib table misses on a bare system.
var extraTypes = map[string]string{
	".ics":  "text/calendar",
	".vcf":  "text/vcard",
	".md":   "text/markdown",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".toml": "application/toml",
}

// ResolveContentType returns the best-guess MIME type for a local file, in
// hard precedence order: saved metadata, magic-number sniff of the leading
// bytes, filename extension, then application/octet-stream.
func ResolveContentType(fsys afero.Fs, path string, meta *ItemMetadata) string {
	if meta != nil && meta.ContentType != "" {
		return meta.ContentType
	}
	if ct := sniffContentType(fsys, path); ct != "" {
		return ct
	}
	if ct := typeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return fallbackContentType
}

// sniffContentType reads the file's leading bytes and runs magic-number
// detection. Generic results (octet-stream, plain text) carry no signal and
// are treated as inconclusive so the extension can decide.
func sniffContentType(fsys afero.Fs, path string) string {
	f, err := fsys.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return ""
	}
	if n == 0 {
		return ""
	}
	detected := mimetype.Detect(head[:n])
	if detected.Is(fallbackContentType) || detected.Is("text/plain") {
		return ""
	}
	return detected.String()
}

func typeByExtension(ext string) string {
	if ext == "" {
		return ""
	}
	ext = strings.ToLower(ext)
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return extraTypes[ext]
}
