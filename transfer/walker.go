package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// localPath maps a remote path into the backup tree.
func localPath(root, remote string) string {
	return filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(remote, "/")))
}

// SanitizeCategory strips path separators from a category name. An empty
// result means the whole tree.
func SanitizeCategory(category string) string {
	return strings.ReplaceAll(category, "/", "")
}

// SeedPaths returns the starting folders for a run: the whole tree when no
// category is given, otherwise the category folder, plus its public twin
// when includePublic is set.
func SeedPaths(category string, includePublic bool) []string {
	category = SanitizeCategory(category)
	if category == "" {
		return []string{"/"}
	}
	paths := []string{"/" + category + "/"}
	if includePublic && category != "public" {
		paths = append(paths, "/public/"+category+"/")
	}
	return paths
}

// Seed enqueues the starting folders for a backup run; folder responses
// expand the rest of the tree recursively.
func (b *Backup) Seed(category string, includePublic bool) {
	for _, path := range SeedPaths(category, includePublic) {
		b.Engine.Enqueue(path, nil)
	}
}

// RenameAside moves an existing backup directory to a timestamped sibling
// under the temp area, returning the new location. A missing directory is
// not an error; anything else is fatal to startup.
func RenameAside(fsys afero.Fs, root string) (string, error) {
	if _, err := fsys.Stat(root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("stat backup dir: %w", err)
	}
	aside := filepath.Join(afero.GetTempDir(fsys, ""),
		filepath.Base(root)+"-"+nowFunc().Format("20060102-150405"))
	if err := fsys.Rename(root, aside); err != nil {
		return "", fmt.Errorf("rename backup dir aside: %w", err)
	}
	sub("backup").Info("previous backup moved aside", "from", root, "to", aside)
	return aside, nil
}

// WalkTree recurses the local mirror before any network work, enqueueing
// every document with the metadata its folder description recorded. A
// missing public twin is ignored; a missing primary folder propagates.
func (r *Restore) WalkTree(category string, includePublic bool) error {
	seeds := SeedPaths(category, includePublic)
	for i, folder := range seeds {
		if err := r.walkFolder(folder); err != nil {
			if i > 0 && errors.Is(err, os.ErrNotExist) {
				sub("restore").Warn("public folder missing, skipping", "path", folder)
				continue
			}
			return err
		}
	}
	return nil
}

// walkFolder lists one directory of the mirror. Per-entry errors are logged
// and skipped; failure to open the directory itself propagates.
func (r *Restore) walkFolder(remote string) error {
	l := sub("restore")
	dir := localPath(r.root, remote)

	desc := r.readFolderDescription(remote, dir)

	entries, err := afero.ReadDir(r.fsys, dir)
	if err != nil {
		return fmt.Errorf("open folder %s: %w", dir, err)
	}
	for _, info := range entries {
		name := info.Name()
		if name == FolderDescriptionName || strings.HasPrefix(name, ".") {
			continue
		}
		switch {
		case info.IsDir():
			if err := r.walkFolder(remote + name + "/"); err != nil {
				l.Warn("subfolder walk failed, skipping", "path", remote+name+"/", "err", err)
			}
		case info.Mode().IsRegular():
			var meta *ItemMetadata
			if m, listed := desc.Items[name]; listed {
				meta = &m
			}
			r.Engine.Enqueue(remote+name, meta)
		default:
			// Links, sockets and pipes have no remote representation.
		}
	}
	return nil
}

// readFolderDescription loads a folder's saved listing. A missing or broken
// description degrades to empty metadata with a warning.
func (r *Restore) readFolderDescription(remote, dir string) FolderDescription {
	l := sub("restore")
	var desc FolderDescription
	body, err := afero.ReadFile(r.fsys, filepath.Join(dir, FolderDescriptionName))
	if err != nil {
		l.Warn("folder description missing, uploading without metadata", "path", remote)
		return desc
	}
	if err := json.Unmarshal(body, &desc); err != nil {
		l.Warn("folder description unreadable, uploading without metadata", "path", remote, "err", err)
		return FolderDescription{}
	}
	return desc
}
