// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package diskfiles implements platform.FileStore over a configured
// directory: each persisted record is one small binary file written
// verbatim. A missing file reads as empty, never as an error, so a
// first boot falls back to defaults.
package diskfiles

import (
	"os"
	"path/filepath"
)

// Store reads and writes binary records under Dir.
type Store struct {
	dir string
}

// New creates the directory if needed and returns a store over it.
func New(dir string) *Store {
	_ = os.MkdirAll(dir, 0o755)
	return &Store{dir: dir}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

// Load returns the file's bytes, or nil when it does not exist.
func (s *Store) Load(name string) ([]byte, error) {
	b, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return b, err
}

// Save writes the record atomically via a rename.
func (s *Store) Save(name string, data []byte) error {
	tmp := s.path(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(name))
}

// Clear removes the file; clearing an absent file succeeds.
func (s *Store) Clear(name string) error {
	err := os.Remove(s.path(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
