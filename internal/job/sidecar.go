package job

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tanq16/haul/internal/utils"
)

// Sidecar is the resume record kept next to a partial file.
type Sidecar struct {
	Path             string    `yaml:"path"`
	URL              string    `yaml:"url"`
	BytesTransferred int64     `yaml:"bytes_transferred"`
	UpdatedAt        time.Time `yaml:"updated_at"`
}

func ReadSidecar(path string) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc Sidecar
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse sidecar %s: %w", path, err)
	}
	if sc.BytesTransferred < 0 {
		return nil, fmt.Errorf("parse sidecar %s: negative offset %d", path, sc.BytesTransferred)
	}
	return &sc, nil
}

// WriteSidecar writes through a temp file and rename so a reader never sees
// a half-written record.
func WriteSidecar(path string, sc Sidecar) error {
	data, err := yaml.Marshal(sc)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// CleanPartials removes every sidecar in dir together with the partial file
// it describes, and returns the removed partial paths.
func CleanPartials(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+utils.SidecarSuffix))
	if err != nil {
		return nil, err
	}
	var removed []string
	var errs []error
	for _, scPath := range matches {
		partial := strings.TrimSuffix(scPath, utils.SidecarSuffix)
		if err := os.Remove(partial); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(scPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, partial)
	}
	return removed, errors.Join(errs...)
}
