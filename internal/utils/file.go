package utils

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Tags appended after the output suffix for the secondary files of one input
const (
	GridTag   = "_segments"
	RegionTag = "_region"
)

// inputFormats are the extensions the processing package can decode
var inputFormats = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "webp": true,
	"gif": true, "bmp": true, "tif": true, "tiff": true,
}

// EnsureDir creates a directory and its parents if they don't exist
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}

// GetFileExtension returns the lower-case file extension without the dot
func GetFileExtension(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

// IsImageFile reports whether filename has an extension the explainer can read
func IsImageFile(filename string) bool {
	return inputFormats[GetFileExtension(filename)]
}

// FileExists checks if a regular file exists
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	return err == nil && info.Mode().IsRegular()
}

// DirExists checks if a directory exists
func DirExists(dirname string) bool {
	info, err := os.Stat(dirname)
	return err == nil && info.IsDir()
}

// SanitizeFilename replaces characters that are invalid in file names on common
// filesystems, including control characters, and trims spaces and dots
func SanitizeFilename(filename string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, strings.ContainsRune(`/\:*?"<>|`, r):
			return '_'
		}
		return r
	}, filename)
	return strings.Trim(clean, " .")
}

// OutputNames names the files written for each explained image. Every name is
// <Dir>/<Prefix><input stem><Suffix>[tag].<ext>.
type OutputNames struct {
	Dir    string
	Prefix string
	Suffix string
}

// trimQuery drops the query and fragment of URL inputs
func trimQuery(input string) string {
	if i := strings.IndexAny(input, "?#"); i >= 0 && strings.Contains(input, "://") {
		return input[:i]
	}
	return input
}

// stem returns the sanitized input name without extension
func (n OutputNames) stem(input string) string {
	base := SanitizeFilename(filepath.Base(trimQuery(input)))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" {
		return "image"
	}
	return base
}

func (n OutputNames) path(input, tag, ext string) string {
	return filepath.Join(n.Dir, n.Prefix+n.stem(input)+n.Suffix+tag+"."+ext)
}

// Overlay returns the path of the heat-map overlay. An empty format keeps the
// input's extension, or jpg when it has none.
func (n OutputNames) Overlay(input, format string) string {
	if format == "" {
		format = GetFileExtension(trimQuery(input))
		if !inputFormats[format] {
			format = "jpg"
		}
	}
	return n.path(input, "", format)
}

// Report returns the path of the text report
func (n OutputNames) Report(input string) string {
	return n.path(input, "", "txt")
}

// Result returns the path of the JSON result
func (n OutputNames) Result(input string) string {
	return n.path(input, "", "json")
}

// Region returns the path of the crop of the rank-th important region, 1-based
func (n OutputNames) Region(input string, rank int, format string) string {
	return n.path(input, fmt.Sprintf("%s%02d", RegionTag, rank), format)
}

// Grid returns the path of the segment grid debug image
func (n OutputNames) Grid(input string) string {
	return n.path(input, GridTag, "png")
}

// IsOutput reports whether path looks like an image written under these names,
// so a directory used for both input and output is not explained twice. With
// neither prefix nor suffix set, overlays cannot be told apart from inputs and
// only the tagged files are recognized.
func (n OutputNames) IsOutput(path string) bool {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if !strings.HasPrefix(name, n.Prefix) {
		return false
	}
	name = strings.TrimPrefix(name, n.Prefix)

	if strings.HasSuffix(name, n.Suffix+GridTag) {
		return true
	}
	if i := strings.LastIndex(name, n.Suffix+RegionTag); i >= 0 {
		if digits := name[i+len(n.Suffix+RegionTag):]; len(digits) >= 2 && isDigits(digits) {
			return true
		}
	}
	if n.Prefix == "" && n.Suffix == "" {
		return false
	}
	return strings.HasSuffix(name, n.Suffix) && len(name) > len(n.Suffix)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ListImageFiles recursively lists the image files under dir in lexical order.
// Files for which skip returns true are left out; skip may be nil.
func ListImageFiles(dir string, skip func(path string) bool) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsImageFile(path) {
			return nil
		}
		if skip != nil && skip(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list images in %s: %w", dir, err)
	}

	return files, nil
}
