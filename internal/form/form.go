// Package form models survey form definitions: the ordered field tree a form's
// submissions are validated and flattened against. Definitions are YAML files,
// one form per file, loaded into a Registry.
package form

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// FieldType enumerates supported question and section types.
type FieldType string

const (
	TypeText           FieldType = "text"
	TypeInteger        FieldType = "integer"
	TypeDecimal        FieldType = "decimal"
	TypeDate           FieldType = "date"
	TypeDateTime       FieldType = "datetime"
	TypeNote           FieldType = "note"
	TypeSelectOne      FieldType = "select_one"
	TypeSelectMultiple FieldType = "select_multiple"
	TypeGeopoint       FieldType = "geopoint"
	TypeGroup          FieldType = "group"
	TypeRepeat         FieldType = "repeat"
)

// Definition is a parsed form definition.
type Definition struct {
	ID     string   `yaml:"id"`
	Title  string   `yaml:"title,omitempty"`
	Fields []*Field `yaml:"fields"`
}

// Field is one node of the field tree. Groups and repeats carry children.
type Field struct {
	Name    string    `yaml:"name"`
	Type    FieldType `yaml:"type"`
	Label   string    `yaml:"label,omitempty"`
	Choices []Choice  `yaml:"choices,omitempty"`
	Fields  []*Field  `yaml:"fields,omitempty"`

	parent *Field
	path   string
}

// Choice is one option of a select question.
type Choice struct {
	Name  string `yaml:"name"`
	Label string `yaml:"label,omitempty"`
}

// UnmarshalYAML allows choices to be written either as bare strings or as
// name/label mappings.
func (c *Choice) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		c.Name = value.Value
		c.Label = value.Value
		return nil
	}
	type plain Choice
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = Choice(p)
	if c.Label == "" {
		c.Label = c.Name
	}
	return nil
}

// Parse parses a YAML form definition and resolves field paths.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse form definition: %w", err)
	}
	if def.ID == "" {
		return nil, fmt.Errorf("form definition missing id")
	}
	if err := def.resolve(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) resolve() error {
	var walk func(fields []*Field, parent *Field, prefix string) error
	walk = func(fields []*Field, parent *Field, prefix string) error {
		seen := make(map[string]bool, len(fields))
		for _, f := range fields {
			if f.Name == "" {
				return fmt.Errorf("form %s: field without a name under %q", d.ID, prefix)
			}
			if seen[f.Name] {
				return fmt.Errorf("form %s: duplicate field %q under %q", d.ID, f.Name, prefix)
			}
			seen[f.Name] = true
			f.parent = parent
			if prefix == "" {
				f.path = f.Name
			} else {
				f.path = prefix + "/" + f.Name
			}
			if f.IsSection() {
				if err := walk(f.Fields, f, f.path); err != nil {
					return err
				}
			} else if len(f.Fields) > 0 {
				return fmt.Errorf("form %s: field %q of type %s cannot have children", d.ID, f.path, f.Type)
			}
			if f.Type == TypeSelectOne || f.Type == TypeSelectMultiple {
				if len(f.Choices) == 0 {
					return fmt.Errorf("form %s: select field %q has no choices", d.ID, f.path)
				}
			}
		}
		return nil
	}
	return walk(d.Fields, nil, "")
}

// Path returns the slash-joined path of the field from the form root.
func (f *Field) Path() string { return f.path }

// Parent returns the enclosing section, or nil at top level.
func (f *Field) Parent() *Field { return f.parent }

// IsSection reports whether the field holds children.
func (f *Field) IsSection() bool { return f.Type == TypeGroup || f.Type == TypeRepeat }

// IsQuestion reports whether the field is an answerable question.
func (f *Field) IsQuestion() bool { return !f.IsSection() }

// LabelOrName returns the label, falling back to the field name.
func (f *Field) LabelOrName() string {
	if f.Label != "" {
		return f.Label
	}
	return f.Name
}

// ChoicePaths returns the per-choice column paths of a select question.
func (f *Field) ChoicePaths() []string {
	paths := make([]string, 0, len(f.Choices))
	for _, c := range f.Choices {
		paths = append(paths, f.path+"/"+c.Name)
	}
	return paths
}

// Walk visits every field in document order, sections before their children.
func (d *Definition) Walk(fn func(f *Field)) {
	var walk func(fields []*Field)
	walk = func(fields []*Field) {
		for _, f := range fields {
			fn(f)
			if f.IsSection() {
				walk(f.Fields)
			}
		}
	}
	walk(d.Fields)
}

// FieldByPath returns the field at the given slash path, or nil.
func (d *Definition) FieldByPath(path string) *Field {
	var found *Field
	d.Walk(func(f *Field) {
		if f.path == path {
			found = f
		}
	})
	return found
}

// ChildQuestions returns the direct child questions of the section at path,
// in document order. An empty path addresses the form root.
func (d *Definition) ChildQuestions(path string) []*Field {
	fields := d.Fields
	if path != "" {
		section := d.FieldByPath(path)
		if section == nil || !section.IsSection() {
			return nil
		}
		fields = section.Fields
	}
	out := make([]*Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, f)
	}
	return out
}

// SelectMultiples returns a map of select-multiple question path to its
// per-choice column paths, ordered as declared.
func (d *Definition) SelectMultiples() map[string][]string {
	out := make(map[string][]string)
	d.Walk(func(f *Field) {
		if f.Type == TypeSelectMultiple {
			out[f.path] = f.ChoicePaths()
		}
	})
	return out
}

// GeopointPaths returns the paths of all geopoint questions.
func (d *Definition) GeopointPaths() []string {
	var out []string
	d.Walk(func(f *Field) {
		if f.Type == TypeGeopoint {
			out = append(out, f.path)
		}
	})
	return out
}

// GeopointComponents lists the split column suffixes for geopoint answers.
var GeopointComponents = []string{"_latitude", "_longitude", "_altitude", "_precision"}

// GeopointColumnPaths returns the four split column paths for a geopoint path.
func GeopointColumnPaths(path string) []string {
	out := make([]string, 0, len(GeopointComponents))
	for _, suffix := range GeopointComponents {
		out = append(out, path+suffix)
	}
	return out
}

// LabelForColumn resolves the human label for an export column path. Repeat
// index markers ([n]) are stripped before lookup; geopoint component columns
// inherit the geopoint's label plus the component suffix. Unknown columns
// fall through unchanged.
func (d *Definition) LabelForColumn(col string) string {
	base := stripIndexes(col)
	if f := d.FieldByPath(base); f != nil {
		return f.LabelOrName()
	}
	for _, suffix := range GeopointComponents {
		if strings.HasSuffix(base, suffix) {
			if f := d.FieldByPath(strings.TrimSuffix(base, suffix)); f != nil {
				return f.LabelOrName() + suffix
			}
		}
	}
	// select-multiple choice column: parent path label + choice name
	if idx := strings.LastIndex(base, "/"); idx > 0 {
		if f := d.FieldByPath(base[:idx]); f != nil && f.Type == TypeSelectMultiple {
			return f.LabelOrName() + "/" + base[idx+1:]
		}
	}
	return col
}

func stripIndexes(col string) string {
	var b strings.Builder
	skip := false
	for _, r := range col {
		switch {
		case r == '[':
			skip = true
		case r == ']':
			skip = false
		case !skip:
			b.WriteRune(r)
		}
	}
	return b.String()
}
