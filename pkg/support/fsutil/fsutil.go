// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"io/fs"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", path)
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user or some other filesystem error (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 || dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		sepIdx := strings.IndexRune(dir, '/')
		if sepIdx == -1 {
			userName = dir[1:]
		} else {
			userName = dir[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return path.Join(usr.HomeDir, dir[1+len(userName):]), nil
}

// EnsureDir creates dir (and parents) if it doesn't exist. It fails if dir exists and is a regular file.
func EnsureDir(dir string) error {
	fi, err := os.Stat(dir)
	if err == nil {
		if !fi.IsDir() {
			return errors.Errorf("directory name %q exists but it's a normal file, not a directory", dir)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "failed to os.Stat(%q)", dir)
	}
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		return errors.Wrapf(err, "trying to create dir %q", dir)
	}
	return nil
}

// TempSibling creates a new empty directory next to `target`, with a unique name, and returns its path.
// Write into it and then call ReplaceDir to move it in place.
func TempSibling(target string) (string, error) {
	parent := filepath.Dir(target)
	if err := EnsureDir(parent); err != nil {
		return "", err
	}
	tmp := filepath.Join(parent, "."+filepath.Base(target)+".tmp-"+uuid.NewString())
	if err := os.Mkdir(tmp, DirPermMode); err != nil {
		return "", errors.Wrapf(err, "failed to create temporary directory %q", tmp)
	}
	return tmp, nil
}

// oldPrefix is the prefix of the name under which ReplaceDir moves the previous version of dst aside.
func oldPrefix(dst string) string {
	return "." + filepath.Base(dst) + ".old-"
}

// ReplaceDir moves the fully written directory `src` to `dst`, replacing whatever was there.
//
// The previous contents of `dst` are first renamed aside and only removed after `src` is in place.
// If the process dies between the two renames, `dst` is missing and the previous version is left
// under a hidden sibling name: RecoverDir moves it back.
func ReplaceDir(src, dst string) error {
	exists, err := FileExists(dst)
	if err != nil {
		return err
	}
	var old string
	if exists {
		old = filepath.Join(filepath.Dir(dst), oldPrefix(dst)+uuid.NewString())
		if err = os.Rename(dst, old); err != nil {
			return errors.Wrapf(err, "failed to move %q aside", dst)
		}
	}
	if err = os.Rename(src, dst); err != nil {
		if old != "" {
			// Put the previous version back.
			_ = os.Rename(old, dst)
		}
		return errors.Wrapf(err, "failed to rename %q to %q", src, dst)
	}
	if old != "" {
		if err = os.RemoveAll(old); err != nil {
			return errors.Wrapf(err, "failed to remove previous version of %q", dst)
		}
	}
	return nil
}

// RecoverDir restores `dst` from the previous version left aside by an interrupted ReplaceDir, if `dst`
// is missing. If there is more than one, the most recently modified is restored.
// It returns whether a previous version was restored.
func RecoverDir(dst string) (bool, error) {
	exists, err := FileExists(dst)
	if err != nil || exists {
		return false, err
	}
	parent := filepath.Dir(dst)
	entries, err := os.ReadDir(parent)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to list %q", parent)
	}
	var latest string
	var latestTime time.Time
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), oldPrefix(dst)) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return false, errors.Wrapf(err, "failed to stat %q", e.Name())
		}
		if latest == "" || info.ModTime().After(latestTime) {
			latest, latestTime = e.Name(), info.ModTime()
		}
	}
	if latest == "" {
		return false, nil
	}
	if err = os.Rename(filepath.Join(parent, latest), dst); err != nil {
		return false, errors.Wrapf(err, "failed to restore %q from %q", dst, latest)
	}
	return true, nil
}

// DirSize returns the total size in bytes of the regular files under dir.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to walk %q", dir)
	}
	return total, nil
}
