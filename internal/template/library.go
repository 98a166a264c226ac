package template

import (
	"errors"
	"fmt"
	"slices"

	"github.com/inoxlang/tjit/internal/bytecode"
	cmap "github.com/orcaman/concurrent-map/v2"
)

var (
	ErrDuplicateTemplate = errors.New("duplicate template")
)

// A Library is a Catalog. Templates are either added explicitly or produced on demand by a generator,
// generated templates are memoized.
type Library struct {
	templates cmap.ConcurrentMap[string, *Template]
	generate  func(tag Tag) (*Template, bool)
}

func NewLibrary() *Library {
	return &Library{templates: cmap.New[*Template]()}
}

func newGeneratedLibrary(generate func(tag Tag) (*Template, bool)) *Library {
	lib := NewLibrary()
	lib.generate = generate
	return lib
}

func (l *Library) Add(t *Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if !l.templates.SetIfAbsent(t.Tag.String(), t) {
		return fmt.Errorf("%w: %s", ErrDuplicateTemplate, t.Tag)
	}
	return nil
}

func (l *Library) Lookup(op bytecode.Opcode, selector Selector) (*Template, bool) {
	tag := Tag{Op: op, Selector: selector}
	key := tag.String()

	if t, ok := l.templates.Get(key); ok {
		return t, true
	}
	if l.generate == nil {
		return nil, false
	}

	t, ok := l.generate(tag)
	if !ok {
		return nil, false
	}
	//another goroutine may have generated the template concurrently.
	l.templates.SetIfAbsent(key, t)
	return l.templates.Get(key)
}

// Len returns the number of templates added or generated so far.
func (l *Library) Len() int {
	return l.templates.Count()
}

// Templates returns the templates added or generated so far, sorted by tag.
func (l *Library) Templates() []*Template {
	items := l.templates.Items()
	templates := make([]*Template, 0, len(items))
	for _, t := range items {
		templates = append(templates, t)
	}
	slices.SortFunc(templates, func(a, b *Template) int {
		if a.Tag.Op != b.Tag.Op {
			return int(a.Tag.Op) - int(b.Tag.Op)
		}
		return int(a.Tag.Selector) - int(b.Tag.Selector)
	})
	return templates
}
