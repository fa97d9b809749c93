package container

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vibecodehq/backend/internal/types"
)

// VolumeStore manages durable session volumes as host directories under
// {dataRoot}/volumes/{name}/. Each volume directory holds meta.json (the
// discovery labels) next to fs/, the directory bind-mounted as the unit's
// workspace root. Volumes outlive execution units and are removed only on
// a forced delete.
type VolumeStore struct {
	root string
}

// VolumeMeta is the durable metadata written alongside a volume
type VolumeMeta struct {
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels"`
	CreatedAt time.Time         `json:"created_at"`
}

const (
	volumeMetaFile = "meta.json"
	volumeFSDir    = "fs"
)

// NewVolumeStore creates a volume store rooted under dataRoot
func NewVolumeStore(dataRoot string) (*VolumeStore, error) {
	root := filepath.Join(dataRoot, "volumes")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create volume root: %w", err)
	}
	return &VolumeStore{root: root}, nil
}

// Ensure creates the volume if absent and returns its reference (the
// deterministic volume name). Ensure is idempotent.
func (v *VolumeStore) Ensure(name string, labels map[string]string) (string, error) {
	dir := filepath.Join(v.root, name)
	if err := os.MkdirAll(filepath.Join(dir, volumeFSDir), 0o755); err != nil {
		return "", fmt.Errorf("create volume %s: %w", name, err)
	}

	metaPath := filepath.Join(dir, volumeMetaFile)
	if _, err := os.Stat(metaPath); os.IsNotExist(err) {
		meta := VolumeMeta{Name: name, Labels: labels, CreatedAt: time.Now().UTC()}
		data, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(metaPath, data, 0o644); err != nil {
			return "", fmt.Errorf("write volume metadata: %w", err)
		}
	}
	return name, nil
}

// WorkspacePath returns the host path of the volume's workspace root,
// failing with ErrVolumeMissing if the volume was externally removed.
func (v *VolumeStore) WorkspacePath(ref string) (string, error) {
	if ref == "" {
		return "", types.ErrVolumeMissing
	}
	fs := filepath.Join(v.root, ref, volumeFSDir)
	info, err := os.Stat(fs)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("volume %s: %w", ref, types.ErrVolumeMissing)
	}
	return fs, nil
}

// Exists reports whether the volume is present
func (v *VolumeStore) Exists(ref string) bool {
	_, err := v.WorkspacePath(ref)
	return err == nil
}

// Remove deletes the volume and all user data it holds
func (v *VolumeStore) Remove(ref string) error {
	if ref == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(v.root, ref))
}

// List returns metadata for every volume in the store, including volumes
// retained after session deletion. This backs the administrative
// recovery listing.
func (v *VolumeStore) List() ([]VolumeMeta, error) {
	entries, err := os.ReadDir(v.root)
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}

	var out []VolumeMeta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(v.root, e.Name(), volumeMetaFile))
		if err != nil {
			// Directory without metadata: surface by name only
			out = append(out, VolumeMeta{Name: e.Name()})
			continue
		}
		var meta VolumeMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			out = append(out, VolumeMeta{Name: e.Name()})
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}
