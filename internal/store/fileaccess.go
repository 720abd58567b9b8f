// Copyright (C) 2026 The Skylign Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package store

import (
	"bytes"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FileAccess abstracts the object backend data files live in, so the
// same store runs against a local directory, an in-memory map for
// tests, or an S3 bucket. root names the directory or bucket; paths
// are slash-separated object names below it
type FileAccess interface {
	// OpenObject returns a reader over the object bytes. Callers may
	// close it before draining; header-only reads depend on that
	OpenObject(root, path string) (io.ReadCloser, error)
	ReadObject(root, path string) ([]byte, error)
	WriteObject(root, path string, data []byte) error
	DeleteObject(root, path string) error
	// ListObjects returns all object paths below root that start with
	// the given prefix, relative to root
	ListObjects(root, prefix string) ([]string, error)
	IsNotFoundError(err error) bool
}

// FSAccess stores objects as plain files under a root directory
type FSAccess struct{}

func (*FSAccess) OpenObject(root, p string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(root, p))
}

func (*FSAccess) ReadObject(root, p string) ([]byte, error) {
	return os.ReadFile(filepath.Join(root, p))
}

// WriteObject writes through a uniquely named temp file in the target
// directory and renames it into place, so readers never observe a
// partially written object
func (*FSAccess) WriteObject(root, p string, data []byte) error {
	full := filepath.Join(root, p)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}
	tmp := full + ".tmp-" + uuid.New().String()
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (*FSAccess) DeleteObject(root, p string) error {
	return os.Remove(filepath.Join(root, p))
}

func (*FSAccess) ListObjects(root, prefix string) ([]string, error) {
	result := []string{}
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			result = append(result, rel)
		}
		return nil
	})
	if err != nil && os.IsNotExist(err) {
		return []string{}, nil
	}
	return result, err
}

func (*FSAccess) IsNotFoundError(err error) bool {
	return os.IsNotExist(err)
}

// MemAccess keeps objects in a map. It backs the store in tests and
// anywhere persistence is not wanted
type MemAccess struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemAccess() *MemAccess {
	return &MemAccess{objects: map[string][]byte{}}
}

func (m *MemAccess) key(root, p string) string { return path.Join(root, p) }

func (m *MemAccess) OpenObject(root, p string) (io.ReadCloser, error) {
	data, err := m.ReadObject(root, p)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemAccess) ReadObject(root, p string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[m.key(root, p)]
	if !ok {
		return nil, &os.PathError{Op: "read", Path: m.key(root, p), Err: os.ErrNotExist}
	}
	return append([]byte(nil), data...), nil
}

func (m *MemAccess) WriteObject(root, p string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[m.key(root, p)] = append([]byte(nil), data...)
	return nil
}

func (m *MemAccess) DeleteObject(root, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.key(root, p)
	if _, ok := m.objects[key]; !ok {
		return &os.PathError{Op: "delete", Path: key, Err: os.ErrNotExist}
	}
	delete(m.objects, key)
	return nil
}

func (m *MemAccess) ListObjects(root, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := path.Join(root) // clean, "" stays ""
	result := []string{}
	for key := range m.objects {
		rel := key
		if base != "" {
			if !strings.HasPrefix(key, base+"/") {
				continue
			}
			rel = key[len(base)+1:]
		}
		if strings.HasPrefix(rel, prefix) {
			result = append(result, rel)
		}
	}
	sort.Strings(result)
	return result, nil
}

func (m *MemAccess) IsNotFoundError(err error) bool {
	return os.IsNotExist(err)
}
