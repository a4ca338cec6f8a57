// Package images lists the Clonezilla images stored under the image home.
package images

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Image describes a Clonezilla image directory.
type Image struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	SizeHuman string    `json:"size_human"`
	Created   time.Time `json:"created"`
	DiskCount int       `json:"disk_count"`
}

// Registry reads images from a single directory. It never writes.
type Registry struct {
	home string
}

// NewRegistry returns a Registry rooted at home (e.g. /home/partimag).
func NewRegistry(home string) (*Registry, error) {
	home = strings.TrimSpace(home)
	if home == "" {
		return nil, errors.New("image home is required")
	}
	return &Registry{home: filepath.Clean(home)}, nil
}

// Home returns the image directory.
func (r *Registry) Home() string { return r.home }

// Exists reports whether name is a Clonezilla image under the image home.
func (r *Registry) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !validName(name) {
		return false, nil
	}
	return isImageDir(filepath.Join(r.home, name))
}

// Get returns image metadata, or fs.ErrNotExist when the image is absent.
func (r *Registry) Get(ctx context.Context, name string) (Image, error) {
	ok, err := r.Exists(ctx, name)
	if err != nil {
		return Image{}, err
	}
	if !ok {
		return Image{}, fmt.Errorf("image %q: %w", name, fs.ErrNotExist)
	}
	return describe(ctx, filepath.Join(r.home, name))
}

// List returns every image, sorted by name descending so date-stamped
// images appear newest first.
func (r *Registry) List(ctx context.Context) ([]Image, error) {
	entries, err := os.ReadDir(r.home)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Image{}, nil
		}
		return nil, fmt.Errorf("read image home: %w", err)
	}

	out := make([]Image, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.home, entry.Name())
		ok, err := isImageDir(dir)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		img, err := describe(ctx, dir)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name > out[j].Name })
	return out, nil
}

// Writable reports whether the image home exists and accepts new files.
func (r *Registry) Writable() (exists, writable bool) {
	info, err := os.Stat(r.home)
	if err != nil || !info.IsDir() {
		return false, false
	}
	f, err := os.CreateTemp(r.home, ".probe-*")
	if err != nil {
		return true, false
	}
	name := f.Name()
	f.Close()
	_ = os.Remove(name)
	return true, true
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// isImageDir checks for the "disk" or "parts" marker files Clonezilla
// writes into every image.
func isImageDir(dir string) (bool, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !info.IsDir() {
		return false, nil
	}
	for _, marker := range []string{"disk", "parts"} {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
	}
	return false, nil
}

func describe(ctx context.Context, dir string) (Image, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return Image{}, err
	}

	var size int64
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		size += fi.Size()
		return nil
	})
	if err != nil {
		return Image{}, fmt.Errorf("size image %q: %w", dir, err)
	}

	tables, err := filepath.Glob(filepath.Join(dir, "*-pt.sf"))
	if err != nil {
		return Image{}, err
	}

	return Image{
		Name:      filepath.Base(dir),
		Path:      dir,
		SizeBytes: size,
		SizeHuman: FormatBytes(size),
		Created:   info.ModTime().UTC(),
		DiskCount: len(tables),
	}, nil
}

// FormatBytes renders a byte count with one decimal, e.g. "14.6 GB".
func FormatBytes(n int64) string {
	value := float64(n)
	for _, unit := range []string{"B", "KB", "MB", "GB", "TB"} {
		if value < 1024 {
			return fmt.Sprintf("%.1f %s", value, unit)
		}
		value /= 1024
	}
	return fmt.Sprintf("%.1f PB", value)
}
