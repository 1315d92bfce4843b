// Package preset persists named equalizer band sets as versioned JSON
// files. Files are written atomically (temp file + rename) so a crash
// mid-save never corrupts an existing preset.
package preset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cwbudde/algo-voiceeq/eq"
)

// Errors returned by the preset store.
var (
	ErrNotFound       = errors.New("preset: not found")
	ErrInvalidName    = errors.New("preset: invalid name")
	ErrInvalidPreset  = errors.New("preset: invalid contents")
	ErrUnknownVersion = errors.New("preset: unknown format version")
)

// FormatVersion is the current on-disk format version.
const FormatVersion = 1

const fileExt = ".json"

// Preset is the on-disk document. Unknown top-level fields in newer,
// same-version files are ignored on load.
type Preset struct {
	Version int                 `json:"version"`
	Bands   []eq.BandParameters `json:"bands"`
}

// Store reads and writes presets in a single directory, one file per
// preset, named <name>.json.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("preset: create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string {
	return s.dir
}

// Save validates bands against sampleRate and writes them under name,
// replacing any existing preset of that name atomically.
func (s *Store) Save(name string, bands []eq.BandParameters, sampleRate int) error {
	if err := validateName(name); err != nil {
		return err
	}
	for i := range bands {
		if err := bands[i].Validate(sampleRate); err != nil {
			return fmt.Errorf("preset: band %d: %w", i, err)
		}
	}
	return SaveFile(s.path(name), bands)
}

// Load returns the bands stored under name.
func (s *Store) Load(name string) ([]eq.BandParameters, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	bands, err := LoadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return bands, err
}

// Delete removes the preset stored under name.
func (s *Store) Delete(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	err := os.Remove(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return err
}

// List returns the names of all stored presets in sorted order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("preset: read store dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), fileExt))
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+fileExt)
}

func validateName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// SaveFile writes bands to path as a version-1 preset document. The
// write goes to a temp file in the same directory followed by a rename,
// so readers never observe a partial file.
func SaveFile(path string, bands []eq.BandParameters) error {
	doc := Preset{Version: FormatVersion, Bands: bands}
	if doc.Bands == nil {
		doc.Bands = []eq.BandParameters{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("preset: encode: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".preset-*")
	if err != nil {
		return fmt.Errorf("preset: write: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("preset: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("preset: write: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("preset: write: %w", err)
	}
	return nil
}

// LoadFile reads a preset document from path and returns its bands.
func LoadFile(path string) ([]eq.BandParameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc Preset
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPreset, err)
	}
	if doc.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, doc.Version)
	}
	if doc.Bands == nil {
		return nil, fmt.Errorf("%w: missing bands", ErrInvalidPreset)
	}
	return doc.Bands, nil
}
