package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Dir returns a Resolver that scans a directory for *.md persona files
// on every call, so edits are picked up without a restart.
func Dir(path string) Resolver {
	return &dirResolver{dir: path}
}

type dirResolver struct {
	dir string
}

func (d *dirResolver) Resolve(id string) (*Persona, error) {
	personas, err := d.load()
	if err != nil {
		return nil, err
	}
	p, ok := personas[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

func (d *dirResolver) List() ([]*Persona, error) {
	personas, err := d.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Persona, 0, len(personas))
	for _, p := range personas {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *dirResolver) load() (map[string]*Persona, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Persona{}, nil
		}
		return nil, fmt.Errorf("failed to read persona directory: %w", err)
	}

	personas := map[string]*Persona{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(d.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		p, err := parseFile(content)
		if err != nil {
			return nil, fmt.Errorf("persona %s: %w", entry.Name(), err)
		}
		if p.ID == "" {
			p.ID = strings.TrimSuffix(entry.Name(), ".md")
		}
		personas[p.ID] = p
	}
	return personas, nil
}
