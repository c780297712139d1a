package dataset

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadIndex reads a YAML list of stack indices used to select a subset of the
// particles, e.g. "[0, 4, 7]". Duplicates are allowed; bounds are checked when
// the selection is applied.
func LoadIndex(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading index file: %w", err)
	}

	var ind []int
	if err := yaml.Unmarshal(data, &ind); err != nil {
		return nil, fmt.Errorf("error parsing index file: %w", err)
	}
	if len(ind) == 0 {
		return nil, fmt.Errorf("index file %s selects no images", path)
	}
	return ind, nil
}
