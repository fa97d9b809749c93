package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vibecodehq/backend/internal/types"
)

// TrashEntry records a soft-deleted file or directory. The payload lives
// under the hidden trash namespace, keyed by entry ID; OriginalPath is the
// workspace-relative location it was deleted from.
type TrashEntry struct {
	ID           string    `json:"id"`
	OriginalPath string    `json:"original_path"`
	TrashedAt    time.Time `json:"trashed_at"`
}

const trashMetaFile = "meta.json"

// Delete soft-deletes the target: it is moved into the trash area rather
// than unlinked. Deleting a non-existent path fails with ErrNotFound.
func (g *Guard) Delete(sess *types.Session, clientPath string) (*TrashEntry, error) {
	unlock := g.lock(sess.ID)
	defer unlock()

	abs, err := g.resolveEntry(sess, clientPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Lstat(abs); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", clientPath, types.ErrNotFound)
	}

	root, err := g.root(sess)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entry := &TrashEntry{
		ID:           fmt.Sprintf("%d-%s", now.UnixNano(), filepath.Base(abs)),
		OriginalPath: filepath.Clean(clientPath),
		TrashedAt:    now,
	}

	entryDir := filepath.Join(root, TrashDirName, entry.ID)
	if err := os.MkdirAll(entryDir, 0o755); err != nil {
		return nil, fmt.Errorf("create trash entry: %w", err)
	}
	if err := os.Rename(abs, filepath.Join(entryDir, filepath.Base(abs))); err != nil {
		return nil, fmt.Errorf("move to trash: %w", err)
	}

	meta, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(entryDir, trashMetaFile), meta, 0o644); err != nil {
		return nil, fmt.Errorf("write trash metadata: %w", err)
	}
	return entry, nil
}

// Trash lists the session's trash entries, oldest first
func (g *Guard) Trash(sess *types.Session) ([]TrashEntry, error) {
	unlock := g.lock(sess.ID)
	defer unlock()

	root, err := g.root(sess)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(root, TrashDirName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []TrashEntry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, TrashDirName, e.Name(), trashMetaFile))
		if err != nil {
			continue
		}
		var entry TrashEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrashedAt.Before(out[j].TrashedAt) })
	return out, nil
}

// Restore moves a trash entry back to its original path. Fails with
// ErrTargetExists if the original path is occupied again.
func (g *Guard) Restore(sess *types.Session, trashID string) error {
	unlock := g.lock(sess.ID)
	defer unlock()

	root, err := g.root(sess)
	if err != nil {
		return err
	}

	entryDir := filepath.Join(root, TrashDirName, filepath.Base(trashID))
	data, err := os.ReadFile(filepath.Join(entryDir, trashMetaFile))
	if os.IsNotExist(err) {
		return fmt.Errorf("trash entry %s: %w", trashID, types.ErrNotFound)
	}
	if err != nil {
		return err
	}
	var entry TrashEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return fmt.Errorf("read trash metadata: %w", err)
	}

	dest, err := resolveUnder(root, entry.OriginalPath)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(dest); err == nil {
		return fmt.Errorf("%s: %w", entry.OriginalPath, types.ErrTargetExists)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	payload := filepath.Join(entryDir, filepath.Base(dest))
	if err := os.Rename(payload, dest); err != nil {
		return fmt.Errorf("restore from trash: %w", err)
	}
	return os.RemoveAll(entryDir)
}
