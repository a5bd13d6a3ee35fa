package transfer

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// nowFunc is the time source, replaceable in tests.
var nowFunc = time.Now

// FolderDescriptionName is the file each mirrored folder directory carries:
// a verbatim copy of the server's folder listing body.
const FolderDescriptionName = "000_folder-description.json"

// ItemMetadata is the per-child metadata a folder description records.
// Restore uses it to recover the Content-Type and ETag saved at backup time.
type ItemMetadata struct {
	ETag          string
	ContentType   string
	ContentLength int64
	LastModified  string
}

// UnmarshalJSON accepts Content-Length as either a JSON number or a quoted
// string; servers disagree on which they emit.
func (m *ItemMetadata) UnmarshalJSON(data []byte) error {
	var raw struct {
		ETag          string          `json:"ETag"`
		ContentType   string          `json:"Content-Type"`
		ContentLength json.RawMessage `json:"Content-Length"`
		LastModified  string          `json:"Last-Modified"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.ETag = raw.ETag
	m.ContentType = raw.ContentType
	m.LastModified = raw.LastModified
	m.ContentLength = 0
	if len(raw.ContentLength) > 0 {
		text := string(bytes.Trim(raw.ContentLength, `"`))
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			m.ContentLength = n
		}
	}
	return nil
}

// FolderDescription is the parsed form of a folder listing body. The items
// map keys are child names: documents end without "/", subfolders with "/".
type FolderDescription struct {
	Items map[string]ItemMetadata `json:"items"`
}

// IsFolder reports whether a remote path names a folder.
func IsFolder(path string) bool {
	return len(path) > 0 && path[len(path)-1] == '/'
}
