// SPDX-License-Identifier: AGPL-3.0-or-later

package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/daokit/daokit-go/pkg/model"
)

// FSStore is the filesystem-backed FileStore for process_leases.json,
// the sibling of statestore.FSStore but scoped to this package since
// the Store interface does not carry a generic lease-file method.
type FSStore struct {
	path string
	mu   sync.Mutex
}

// NewFSStore opens (and lazily bootstraps) process_leases.json under
// <dir>/state/.
func NewFSStore(dir string) (*FSStore, error) {
	root := filepath.Join(dir, "state")
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("lease: mkdir %s: %w", root, err)
	}
	s := &FSStore{path: filepath.Join(root, "process_leases.json")}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		empty := model.LeaseRegistryFile{
			SchemaVersion: model.LeaseRegistrySchemaVersion,
			Leases:        []model.Lease{},
			UpdatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		}
		if err := s.writeLocked(empty); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *FSStore) LoadLeases(ctx context.Context) (model.LeaseRegistryFile, error) {
	if err := ctx.Err(); err != nil {
		return model.LeaseRegistryFile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out model.LeaseRegistryFile
	data, err := os.ReadFile(s.path)
	if err != nil {
		return out, fmt.Errorf("lease: read %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("lease: unmarshal %s: %w", s.path, err)
	}
	return out, nil
}

func (s *FSStore) SaveLeases(ctx context.Context, file model.LeaseRegistryFile) (model.LeaseRegistryFile, error) {
	if err := ctx.Err(); err != nil {
		return model.LeaseRegistryFile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	file.SchemaVersion = model.LeaseRegistrySchemaVersion
	file.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.writeLocked(file); err != nil {
		return model.LeaseRegistryFile{}, err
	}
	return file, nil
}

func (s *FSStore) writeLocked(file model.LeaseRegistryFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("lease: marshal: %w", err)
	}
	data = append(data, '\n')
	tmp := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("lease: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("lease: rename %s: %w", s.path, err)
	}
	return nil
}
