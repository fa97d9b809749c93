// Package workspace is the sandboxing layer for session file operations.
//
// Every entry point resolves the client-supplied path first and aborts on
// escape before any filesystem interaction. Paths are always expressed
// relative to the session's workspace root; absolute paths, `..` traversal
// and symlink targets outside the root are all rejected with
// types.ErrPathEscape. Deletion is a soft delete into a hidden trash area
// so destructive mistakes stay recoverable.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/vibecodehq/backend/internal/container"
	"github.com/vibecodehq/backend/internal/types"
)

// TrashDirName is the hidden trash namespace under the workspace root.
// Client paths may not reach into it; it is only accessible through the
// trash listing and restore operations.
const TrashDirName = ".vibe-trash"

// Node is one entry of a workspace file tree
type Node struct {
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	Dir      bool    `json:"dir"`
	Size     int64   `json:"size,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

// Guard performs sandboxed file operations against session workspaces.
// Operations within one session are serialized at this boundary; callers
// never observe partial-write interleavings.
type Guard struct {
	volumes *container.VolumeStore
	locks   sync.Map // session id -> *sync.Mutex
}

// NewGuard creates a workspace guard over the volume store
func NewGuard(volumes *container.VolumeStore) *Guard {
	return &Guard{volumes: volumes}
}

// Resolve canonicalizes a client path against the session's workspace
// root. The result is an absolute host path strictly inside the root; any
// resolution that escapes fails with ErrPathEscape.
func (g *Guard) Resolve(sess *types.Session, clientPath string) (string, error) {
	root, err := g.root(sess)
	if err != nil {
		return "", err
	}
	return resolveUnder(root, clientPath)
}

// Tree returns the session's file tree, excluding the trash namespace
func (g *Guard) Tree(sess *types.Session) (*Node, error) {
	unlock := g.lock(sess.ID)
	defer unlock()

	root, err := g.root(sess)
	if err != nil {
		return nil, err
	}
	return buildTree(root, "")
}

// Create creates a file or directory. Already-existing intermediate
// directories are fine; creating a file over an existing one fails with
// ErrTargetExists.
func (g *Guard) Create(sess *types.Session, clientPath, kind string) error {
	unlock := g.lock(sess.ID)
	defer unlock()

	abs, err := g.resolveEntry(sess, clientPath)
	if err != nil {
		return err
	}

	switch kind {
	case "directory":
		return os.MkdirAll(abs, 0o755)
	case "file", "":
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(abs, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if os.IsExist(err) {
			return fmt.Errorf("%s: %w", clientPath, types.ErrTargetExists)
		}
		if err != nil {
			return err
		}
		return f.Close()
	default:
		return fmt.Errorf("unknown kind %q", kind)
	}
}

// Read returns the file's contents
func (g *Guard) Read(sess *types.Session, clientPath string) ([]byte, error) {
	unlock := g.lock(sess.ID)
	defer unlock()

	abs, err := g.resolveEntry(sess, clientPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", clientPath, types.ErrNotFound)
	}
	return data, err
}

// Write writes the file, creating parent directories as needed
func (g *Guard) Write(sess *types.Session, clientPath string, data []byte) error {
	unlock := g.lock(sess.ID)
	defer unlock()

	abs, err := g.resolveEntry(sess, clientPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, data, 0o644)
}

// Rename renames a file or directory within the workspace. Fails with
// ErrTargetExists unless overwrite is set.
func (g *Guard) Rename(sess *types.Session, oldPath, newPath string, overwrite bool) error {
	unlock := g.lock(sess.ID)
	defer unlock()

	src, err := g.resolveEntry(sess, oldPath)
	if err != nil {
		return err
	}
	dest, err := g.resolveEntry(sess, newPath)
	if err != nil {
		return err
	}
	return renameChecked(src, dest, oldPath, newPath, overwrite)
}

// Move relocates src into destDir, keeping its base name
func (g *Guard) Move(sess *types.Session, srcPath, destDir string, overwrite bool) error {
	unlock := g.lock(sess.ID)
	defer unlock()

	src, err := g.resolveEntry(sess, srcPath)
	if err != nil {
		return err
	}
	destParent, err := g.Resolve(sess, destDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destParent, 0o755); err != nil {
		return err
	}

	dest := filepath.Join(destParent, filepath.Base(src))
	destRel := filepath.Join(destDir, filepath.Base(src))
	return renameChecked(src, dest, srcPath, destRel, overwrite)
}

func renameChecked(src, dest, srcLabel, destLabel string, overwrite bool) error {
	if _, err := os.Lstat(src); os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", srcLabel, types.ErrTargetMissing)
	}
	if _, err := os.Lstat(dest); err == nil && !overwrite {
		return fmt.Errorf("%s: %w", destLabel, types.ErrTargetExists)
	}
	return os.Rename(src, dest)
}

func (g *Guard) root(sess *types.Session) (string, error) {
	return g.volumes.WorkspacePath(sess.VolumeRef)
}

// resolveEntry resolves a client path for a file-level operation. The
// workspace root itself is never a valid target: an empty or "." path
// would otherwise read the root as a file or trash the whole workspace.
func (g *Guard) resolveEntry(sess *types.Session, clientPath string) (string, error) {
	root, err := g.root(sess)
	if err != nil {
		return "", err
	}
	abs, err := resolveUnder(root, clientPath)
	if err != nil {
		return "", err
	}
	if abs == root {
		return "", fmt.Errorf("%q: %w", clientPath, types.ErrPathEscape)
	}
	return abs, nil
}

func (g *Guard) lock(sessionID string) func() {
	v, _ := g.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// resolveUnder canonicalizes clientPath against root and verifies the
// result, including any symlinked prefix, stays strictly inside root
func resolveUnder(root, clientPath string) (string, error) {
	if filepath.IsAbs(clientPath) {
		return "", fmt.Errorf("%s: %w", clientPath, types.ErrPathEscape)
	}

	clean := filepath.Clean(clientPath)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", clientPath, types.ErrPathEscape)
	}
	if first(clean) == TrashDirName {
		return "", fmt.Errorf("%s: %w", clientPath, types.ErrPathEscape)
	}

	abs := filepath.Join(root, clean)
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", clientPath, types.ErrPathEscape)
	}

	// Symlinks inside the workspace may point anywhere; verify the
	// resolved location of the deepest existing ancestor
	rootReal, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", err
	}
	real, err := resolveExisting(abs)
	if err != nil {
		return "", err
	}
	if real != rootReal && !strings.HasPrefix(real, rootReal+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", clientPath, types.ErrPathEscape)
	}
	return abs, nil
}

// resolveExisting evaluates symlinks on the longest existing prefix of p
// and rejoins the non-existent remainder
func resolveExisting(p string) (string, error) {
	var suffix []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(suffix) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, suffix[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		suffix = append(suffix, filepath.Base(cur))
		cur = parent
	}
}

func first(clean string) string {
	idx := strings.IndexByte(clean, filepath.Separator)
	if idx < 0 {
		return clean
	}
	return clean[:idx]
}

func buildTree(absDir, relDir string) (*Node, error) {
	name := filepath.Base(absDir)
	if relDir == "" {
		name = "/"
	}
	node := &Node{Name: name, Path: relDir, Dir: true}

	entries, err := os.ReadDir(absDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", relDir, types.ErrNotFound)
		}
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if relDir == "" && e.Name() == TrashDirName {
			continue
		}
		childRel := filepath.Join(relDir, e.Name())
		if e.IsDir() {
			child, err := buildTree(filepath.Join(absDir, e.Name()), childRel)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		node.Children = append(node.Children, &Node{
			Name: e.Name(),
			Path: childRel,
			Size: info.Size(),
		})
	}
	return node, nil
}
