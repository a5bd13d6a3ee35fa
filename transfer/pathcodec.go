package transfer

import "strings"

const upperhex = "0123456789ABCDEF"

// EncodePath maps a remote path onto URL path segments: every segment is
// percent-encoded byte-wise, keeping only the RFC 3986 unreserved set, and
// segments are rejoined with "/". The leading "/" is dropped so the result
// appends directly to a base endpoint that ends with "/". A trailing "/"
// (folder path) survives as an empty final segment.
func EncodePath(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, segment := range segments {
		segments[i] = encodeSegment(segment)
	}
	return strings.Join(segments, "/")
}

func encodeSegment(segment string) string {
	var b strings.Builder
	for i := 0; i < len(segment); i++ {
		c := segment[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0xf])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}
	return false
}
