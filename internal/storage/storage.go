package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"athlete-tool/internal/api/catapult"
)

// Store writes collected payloads under a single output directory,
// one file per day plus optional per-athlete sensor files.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	return &Store{dir: filepath.Clean(dir)}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) DayPath(day catapult.Date) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.json", day.Format()))
}

func (s *Store) SensorPath(day catapult.Date, athleteID catapult.ID, activityID catapult.ID) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s_%s.json", day.Format(), athleteID, activityID))
}

func (s *Store) WriteDay(day catapult.Date, body []byte) (string, error) {
	path := s.DayPath(day)
	if err := writeFileAtomic(path, body); err != nil {
		return "", fmt.Errorf("failed to write day file: %w", err)
	}

	return path, nil
}

func (s *Store) WriteSensor(day catapult.Date, athleteID catapult.ID, activityID catapult.ID, body []byte) (string, error) {
	path := s.SensorPath(day, athleteID, activityID)

	// The ids come straight from the vendor, so the joined path must
	// still resolve inside the store directory.
	if filepath.Dir(path) != s.dir {
		return "", fmt.Errorf("sensor file name escapes the output directory: athlete %s, activity %s", athleteID, activityID)
	}

	if err := writeFileAtomic(path, body); err != nil {
		return "", fmt.Errorf("failed to write sensor file: %w", err)
	}

	return path, nil
}

// writeFileAtomic stages the payload in a temporary file and renames it
// into place, so a crashed run never leaves a truncated data file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return nil
}
