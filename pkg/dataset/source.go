package dataset

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cryobackproject/pkg/mrc"
)

// source concatenates one or more MRC stacks into a single indexable sequence
type source struct {
	stacks []*mrc.Stack
	starts []int
	total  int
	nx, ny int
}

// openSource opens a particle file: an .mrc/.mrcs stack or a .txt list of stacks.
// Relative entries in a .txt list resolve against datadir, or the list's own
// directory when datadir is empty.
func openSource(path, datadir string) (*source, error) {
	var paths []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mrc", ".mrcs":
		paths = []string{path}
	case ".txt":
		listed, err := readStackList(path, datadir)
		if err != nil {
			return nil, err
		}
		paths = listed
	default:
		return nil, fmt.Errorf("unsupported particle file %s (expected .mrcs, .mrc or .txt)", path)
	}

	src := &source{}
	for _, p := range paths {
		s, err := mrc.Open(p)
		if err != nil {
			src.close()
			return nil, fmt.Errorf("failed to open stack: %w", err)
		}

		nx, ny := int(s.Header.Nx), int(s.Header.Ny)
		if len(src.stacks) == 0 {
			src.nx, src.ny = nx, ny
		} else if nx != src.nx || ny != src.ny {
			s.Close()
			src.close()
			return nil, fmt.Errorf("stack %s has images of %dx%d, expected %dx%d", p, nx, ny, src.nx, src.ny)
		}

		src.stacks = append(src.stacks, s)
		src.starts = append(src.starts, src.total)
		src.total += s.Len()
	}

	if src.total == 0 {
		src.close()
		return nil, fmt.Errorf("no images found in %s", path)
	}
	return src, nil
}

func readStackList(path, datadir string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	base := datadir
	if base == "" {
		base = filepath.Dir(path)
	}

	var paths []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !filepath.IsAbs(line) {
			line = filepath.Join(base, line)
		}
		paths = append(paths, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stack list %s: %w", path, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("stack list %s is empty", path)
	}
	return paths, nil
}

// image reads the raw real-space image at global index i
func (s *source) image(i int) ([]float64, error) {
	for k := len(s.starts) - 1; k >= 0; k-- {
		if i >= s.starts[k] {
			return s.stacks[k].Image(i - s.starts[k])
		}
	}
	return nil, fmt.Errorf("image %d out of range", i)
}

// apix is the pixel size recorded in the first stack
func (s *source) apix() float64 {
	return s.stacks[0].Header.Apix()
}

func (s *source) close() {
	for _, st := range s.stacks {
		st.Close()
	}
}
