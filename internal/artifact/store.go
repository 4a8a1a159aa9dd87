package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists one artifact JSON file per run under a base directory.
// Partial artifacts are written too, so aborted runs stay inspectable.
type Store struct {
	baseDir string
}

// NewStore creates the base directory if needed.
func NewStore(baseDir string) (*Store, error) {
	if baseDir == "" {
		baseDir = "out"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create store dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Path returns the on-disk location for a run's artifact.
func (s *Store) Path(runID string) string {
	return filepath.Join(s.baseDir, runID+".json")
}

// Save writes the artifact as pretty-printed JSON, replacing any previous
// file for the same run.
func (s *Store) Save(a *Artifact) error {
	b, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: encode: %w", err)
	}
	path := s.Path(a.RunID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("artifact: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("artifact: rename %s: %w", tmp, err)
	}
	return nil
}

// Load reads a previously saved artifact. The loaded artifact is frozen.
func (s *Store) Load(runID string) (*Artifact, error) {
	b, err := os.ReadFile(s.Path(runID))
	if err != nil {
		return nil, fmt.Errorf("artifact: read %s: %w", runID, err)
	}
	var a Artifact
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("artifact: decode %s: %w", runID, err)
	}
	a.Freeze()
	return &a, nil
}
