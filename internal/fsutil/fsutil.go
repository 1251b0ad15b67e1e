package fsutil

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// CopyFile copies a single regular file, preserving its permission bits.
func CopyFile(dst, src string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("cannot copy %q: not a regular file", src)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("error copying %q to %q: %w", src, dst, err)
	}
	return out.Close()
}

// CopyDir copies the tree rooted at src into dst, creating dst. It fails if
// dst already exists: the destination is always a fresh directory owned by
// the caller.
func CopyDir(dst, src string) error {
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("destination %q already exists", dst)
	}
	srcFS := os.DirFS(src)
	return fs.WalkDir(srcFS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		target := filepath.Join(dst, path)
		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("unexpected file type for %q: %s", path, d.Type())
		}
		if err := CopyFile(target, filepath.Join(src, path)); err != nil {
			return fmt.Errorf("error copying entry %q: %w", path, err)
		}
		return nil
	})
}
