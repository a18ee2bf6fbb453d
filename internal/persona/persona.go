// Package persona resolves persona IDs to prompt text. Personas are
// markdown files with YAML front-matter; the coordinator treats the body
// as opaque text and never interprets it.
package persona

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no persona has the requested ID.
var ErrNotFound = errors.New("persona not found")

// Persona is a named prompt asset.
type Persona struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Model       string `yaml:"model"`
	Text        string `yaml:"-"`
}

// Resolver maps persona IDs to personas.
type Resolver interface {
	Resolve(id string) (*Persona, error)
	List() ([]*Persona, error)
}

var frontMatterDelim = []byte("---")

// parseFile splits a persona file into YAML front-matter and body. Files
// without front-matter are all body; the ID then comes from the caller
// (typically the file name).
func parseFile(content []byte) (*Persona, error) {
	p := &Persona{}
	body := content

	trimmed := bytes.TrimLeft(content, "\ufeff\r\n")
	if bytes.HasPrefix(trimmed, frontMatterDelim) {
		rest := trimmed[len(frontMatterDelim):]
		end := bytes.Index(rest, append([]byte("\n"), frontMatterDelim...))
		if end < 0 {
			return nil, fmt.Errorf("unterminated front-matter")
		}
		if err := yaml.Unmarshal(rest[:end], p); err != nil {
			return nil, fmt.Errorf("invalid front-matter: %w", err)
		}
		body = rest[end+1+len(frontMatterDelim):]
	}

	p.Text = strings.TrimSpace(string(body))
	if p.Text == "" {
		return nil, fmt.Errorf("persona body is empty")
	}
	return p, nil
}

// Chain tries resolvers in order and returns the first hit. Used to let
// a configured persona directory shadow the embedded defaults.
type Chain []Resolver

// Resolve returns the first resolver's match, or ErrNotFound when every
// resolver misses.
func (c Chain) Resolve(id string) (*Persona, error) {
	for _, r := range c {
		p, err := r.Resolve(id)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List merges all resolvers' personas; earlier resolvers win ID clashes.
func (c Chain) List() ([]*Persona, error) {
	seen := map[string]bool{}
	var out []*Persona
	for _, r := range c {
		personas, err := r.List()
		if err != nil {
			return nil, err
		}
		for _, p := range personas {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			out = append(out, p)
		}
	}
	return out, nil
}
