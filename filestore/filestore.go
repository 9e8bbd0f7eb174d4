// Copyright (c) 2023 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package filestore reads whole documents from a directory tree that
// clients cannot escape.
package filestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// ErrNotFound is returned when a name does not refer to a regular file
// inside the store's root.
var ErrNotFound = errors.New("filestore: file not found")

// ReadError is returned when a file exists but could not be read.
type ReadError struct {
	Name  string
	Cause error
}

// Error implements the error interface.
func (e ReadError) Error() string {
	return fmt.Sprintf("failed to read file %s: %s", e.Name, e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e ReadError) Unwrap() error {
	return e.Cause
}

// RootError is returned by NewOS if the root is not a usable directory.
type RootError struct {
	Root  string
	Cause error
}

// Error implements the error interface.
func (e RootError) Error() string {
	return fmt.Sprintf("invalid document root %s: %s", e.Root, e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e RootError) Unwrap() error {
	return e.Cause
}

// Store reads files relative to the root of its afero.Fs.
type Store struct {
	fs afero.Fs

	// root is the symlink free host directory backing fs, if any.
	root string
}

// New returns a Store over fs. Names passed to Read are treated as
// relative to the root of fs.
func New(fs afero.Fs) *Store {
	return &Store{fs: fs}
}

// NewOS returns a Store confined to the given directory of the host
// filesystem.
func NewOS(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, RootError{Root: root, Cause: err}
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, RootError{Root: root, Cause: err}
	}
	if !fi.IsDir() {
		return nil, RootError{Root: root, Cause: errors.New("not a directory")}
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, RootError{Root: root, Cause: err}
	}
	return &Store{
		fs:   afero.NewBasePathFs(afero.NewOsFs(), resolved),
		root: resolved,
	}, nil
}

// Read returns the full contents of the named file. Names which are empty,
// absolute, climb out of the root with ".." or lead out of it through a
// symlink are never opened.
func (s *Store) Read(name string) ([]byte, error) {
	if !filepath.IsLocal(name) {
		return nil, ErrNotFound
	}
	err := s.contain(name)
	if err != nil {
		return nil, err
	}

	fi, err := s.fs.Stat(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ReadError{Name: name, Cause: err}
	}
	if fi.IsDir() {
		return nil, ErrNotFound
	}

	b, err := afero.ReadFile(s.fs, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ReadError{Name: name, Cause: err}
	}
	return b, nil
}

// contain resolves every symlink in name against the host root and fails
// with ErrNotFound if the result lies outside of it.
func (s *Store) contain(name string) error {
	if s.root == "" {
		return nil
	}

	resolved, err := filepath.EvalSymlinks(filepath.Join(s.root, name))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return ReadError{Name: name, Cause: err}
	}

	rel, err := filepath.Rel(s.root, resolved)
	if err != nil || !filepath.IsLocal(rel) {
		return ErrNotFound
	}
	return nil
}
