// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package archive packs local files matched by glob patterns into a tar
// stream for pushing to a device.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var ErrNoMatch = errors.New("pattern matched no file")

// Build writes to w a tar archive of every file matched by patterns and
// returns the number of matches. Matched directories are added recursively.
//
// Archive names are relative to the non-glob prefix of each pattern. A
// pattern without glob characters is archived under its base name.
func Build(w io.Writer, patterns ...string) (int, error) {
	tw := tar.NewWriter(w)

	total := 0
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return total, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return total, fmt.Errorf("%w: %s", ErrNoMatch, pattern)
		}

		base := basePath(pattern)
		for _, match := range matches {
			name := archiveName(base, match)
			if err := addTree(tw, match, name); err != nil {
				return total, err
			}
			total++
		}
	}

	if err := tw.Close(); err != nil {
		return total, fmt.Errorf("closing archive: %w", err)
	}
	return total, nil
}

// ParentDir returns the directory of the device the archive is extracted
// into. dst is a directory when it ends with a slash, is . or .., or when
// several files are copied; otherwise it names the copied file.
func ParentDir(dst string, total int) string {
	if total > 1 || strings.HasSuffix(dst, "/") || dst == "." || dst == ".." {
		return strings.TrimRight(dst, "/") + "/"
	}
	return path.Dir(dst)
}

// basePath returns the leading path elements of pattern free of glob
// characters.
func basePath(pattern string) string {
	parts := strings.Split(pattern, string(filepath.Separator))
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if strings.ContainsAny(part, "*?[") {
			break
		}
		out = append(out, part)
	}
	return strings.Join(out, string(filepath.Separator))
}

func archiveName(base, match string) string {
	if match == filepath.Clean(base) {
		return filepath.Base(match)
	}
	rel, err := filepath.Rel(base, match)
	if err != nil || base == "" {
		return filepath.ToSlash(strings.TrimLeft(match, string(filepath.Separator)))
	}
	return filepath.ToSlash(rel)
}

func addTree(tw *tar.Writer, root, name string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		entry := name
		if rel != "." {
			entry = path.Join(name, filepath.ToSlash(rel))
		}

		return addEntry(tw, p, entry, d)
	})
}

func addEntry(tw *tar.Writer, p, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	link := ""
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(p); err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("building header for %s: %w", p, err)
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing header for %s: %w", p, err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archiving %s: %w", p, err)
	}
	return nil
}
