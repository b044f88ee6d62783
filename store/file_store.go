package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileStore keeps one JSON file per device pair under a directory.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "cannot create calibration directory %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

// DefaultDir returns the per-user calibration directory.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "cannot determine user config directory")
	}
	return filepath.Join(base, "origincal"), nil
}

// Load implements Store.
func (s *FileStore) Load(sourceSerial, destSerial string) (Record, error) {
	data, err := os.ReadFile(s.path(sourceSerial, destSerial))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, errors.Wrapf(ErrNotFound, "%s -> %s", sourceSerial, destSerial)
		}
		return Record{}, errors.Wrap(err, "cannot read calibration")
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, errors.Wrap(err, "cannot parse calibration")
	}
	if err := record.Validate(); err != nil {
		return Record{}, errors.Wrapf(err, "%s -> %s", sourceSerial, destSerial)
	}
	return record, nil
}

// Save implements Store. The record is written to a temporary file and renamed into
// place so a crash mid-write never leaves a truncated calibration behind.
func (s *FileStore) Save(record Record) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cannot encode calibration")
	}
	path := s.path(record.SourceSerial, record.DestSerial)
	tmp, err := os.CreateTemp(s.dir, ".calibration-*.tmp")
	if err != nil {
		return errors.Wrap(err, "cannot create calibration temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "cannot write calibration")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "cannot write calibration")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "cannot store calibration")
	}
	return nil
}

func (s *FileStore) path(sourceSerial, destSerial string) string {
	name := sanitizeSerial(sourceSerial) + "__" + sanitizeSerial(destSerial) + ".json"
	return filepath.Join(s.dir, name)
}

// sanitizeSerial maps a device serial onto a safe filename component. Serials come
// from runtime drivers and can contain anything.
func sanitizeSerial(serial string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, serial)
}
