package lsm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nyasuto/moz/internal/storage"
)

const manifestMagic uint32 = 0x4d4f5a4d // "MOZM"

// tableRef identifies one live SST by its storage.FileKey.
type tableRef = storage.FileKey

// Manifest durably enumerates every live (level, generation) SST. It is
// rewritten atomically after every flush and compaction: write to a
// temporary path in the same directory, fsync, then rename over the
// previous manifest.
type Manifest struct {
	path string
}

func manifestPath(root string) string {
	return filepath.Join(root, "MANIFEST")
}

// OpenManifest loads the manifest at root, or returns an empty one if
// none exists yet (a brand-new database).
func OpenManifest(root string) (*Manifest, []tableRef, error) {
	path := manifestPath(root)
	m := &Manifest{path: path}

	f, err := os.Open(path) // #nosec G304 - path is derived from the database root, not user input
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil, nil
		}
		return nil, nil, fmt.Errorf("lsm: open manifest: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	var magic, count uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, nil, fmt.Errorf("lsm: read manifest magic: %w", err)
	}
	if magic != manifestMagic {
		return nil, nil, fmt.Errorf("lsm: manifest has wrong magic")
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, nil, fmt.Errorf("lsm: read manifest count: %w", err)
	}

	refs := make([]tableRef, 0, count)
	for i := uint32(0); i < count; i++ {
		var level int32
		var generation uint64
		if err := binary.Read(r, binary.LittleEndian, &level); err != nil {
			return nil, nil, fmt.Errorf("lsm: read manifest entry: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &generation); err != nil {
			return nil, nil, fmt.Errorf("lsm: read manifest entry: %w", err)
		}
		refs = append(refs, tableRef{Level: int(level), Generation: generation})
	}
	return m, refs, nil
}

// Save atomically rewrites the manifest to exactly the given set of live
// tables.
func (m *Manifest) Save(refs []tableRef) error {
	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, "MANIFEST-*.tmp")
	if err != nil {
		return fmt.Errorf("lsm: create temp manifest: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	if err := binary.Write(w, binary.LittleEndian, manifestMagic); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(refs))); err != nil {
		_ = tmp.Close()
		return err
	}
	for _, ref := range refs {
		if err := binary.Write(w, binary.LittleEndian, int32(ref.Level)); err != nil {
			_ = tmp.Close()
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, ref.Generation); err != nil {
			_ = tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("lsm: flush temp manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("lsm: sync temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("lsm: close temp manifest: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		return fmt.Errorf("lsm: rename manifest into place: %w", err)
	}
	success = true
	return nil
}
