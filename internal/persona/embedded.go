package persona

import (
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"
)

//go:embed personas/*.md
var embeddedFS embed.FS

// Embedded returns a Resolver over the built-in persona set.
func Embedded() (Resolver, error) {
	entries, err := embeddedFS.ReadDir("personas")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded personas: %w", err)
	}

	byID := make(map[string]*Persona, len(entries))
	for _, entry := range entries {
		content, err := embeddedFS.ReadFile(path.Join("personas", entry.Name()))
		if err != nil {
			return nil, err
		}
		p, err := parseFile(content)
		if err != nil {
			return nil, fmt.Errorf("embedded persona %s: %w", entry.Name(), err)
		}
		if p.ID == "" {
			p.ID = strings.TrimSuffix(entry.Name(), ".md")
		}
		byID[p.ID] = p
	}
	return &static{byID: byID}, nil
}

type static struct {
	byID map[string]*Persona
}

func (s *static) Resolve(id string) (*Persona, error) {
	p, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

func (s *static) List() ([]*Persona, error) {
	out := make([]*Persona, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
