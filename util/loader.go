// Package util - Image file loading for the command line tools.
package util

import (
	"bytes"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ImageFile represents an image file.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Data is the raw bytes of the image file.
	Data []byte
	// Frame is the number at the end of the file name, or -1 when there is none.
	Frame int
}

// Decode decodes the file contents.
func (f ImageFile) Decode() (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", f.Path)
	}
	return img, nil
}

// IsImage reports whether the file name has a supported image extension.
func IsImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// LoadImageFiles reads a single image file, or every image file of a directory.
//
// Directory entries are ordered by their trailing frame number (e.g. frame-12.jpg),
// then by name; files without a number sort after numbered ones.
//
// Arguments:
//   - path: An image file or a directory containing image files.
//
// Returns:
//   - []ImageFile: The raw bytes of each image file.
//   - error: Error if loading fails.
func LoadImageFiles(path string) ([]ImageFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat %s", path)
	}
	if !info.IsDir() {
		f, err := readImageFile(path)
		if err != nil {
			return nil, err
		}
		return []ImageFile{f}, nil
	}
	return LoadDirectoryImageFiles(path)
}

// LoadDirectoryImageFiles reads all image files from a directory.
//
// Arguments:
//   - dir: Directory path containing image files.
//
// Returns:
//   - []ImageFile: Slice of ImageFile, each containing the raw bytes of an image file.
//   - error: Error if loading fails.
func LoadDirectoryImageFiles(dir string) ([]ImageFile, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read directory %s", dir)
	}

	var images []ImageFile
	for _, file := range files {
		if file.IsDir() || !IsImage(file.Name()) {
			continue
		}
		f, err := readImageFile(filepath.Join(dir, file.Name()))
		if err != nil {
			return nil, err
		}
		images = append(images, f)
	}

	sort.SliceStable(images, func(i, j int) bool {
		a, b := images[i], images[j]
		if (a.Frame < 0) != (b.Frame < 0) {
			return a.Frame >= 0
		}
		if a.Frame != b.Frame {
			return a.Frame < b.Frame
		}
		return a.Path < b.Path
	})

	return images, nil
}

func readImageFile(path string) (ImageFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImageFile{}, errors.Wrapf(err, "failed to read %s", path)
	}
	return ImageFile{Path: path, Data: data, Frame: frameNumber(filepath.Base(path))}, nil
}

// frameNumber returns the decimal digits ending the base name, or -1.
func frameNumber(name string) int {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	end := len(stem)
	start := end
	for start > 0 && stem[start-1] >= '0' && stem[start-1] <= '9' {
		start--
	}
	if start == end {
		return -1
	}
	n, err := strconv.Atoi(stem[start:end])
	if err != nil {
		return -1
	}
	return n
}
