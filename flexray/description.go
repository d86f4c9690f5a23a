package flexray

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// RootKey is the top-level key holding the bus description.
const RootKey = "FlexRay"

type MuscleSpec struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name,omitempty"`
}

type GanglionSpec struct {
	ID      int          `yaml:"id"`
	Muscles []MuscleSpec `yaml:"muscles,omitempty"`
}

// BusDescription is the declarative topology of one FlexRay bridge.
// Treat it as immutable; use Clone before handing it to code that might not.
type BusDescription struct {
	Serial  string         `yaml:"serial"`
	Ganglia []GanglionSpec `yaml:"ganglions"`
}

// Clone returns a deep copy.
func (d BusDescription) Clone() BusDescription {
	out := BusDescription{Serial: d.Serial}
	if d.Ganglia != nil {
		out.Ganglia = make([]GanglionSpec, len(d.Ganglia))
		for i, g := range d.Ganglia {
			out.Ganglia[i] = GanglionSpec{ID: g.ID}
			if g.Muscles != nil {
				out.Ganglia[i].Muscles = append([]MuscleSpec(nil), g.Muscles...)
			}
		}
	}
	return out
}

// Ganglion returns the GanglionSpec with the given id.
func (d BusDescription) Ganglion(id int) (GanglionSpec, bool) {
	for _, g := range d.Ganglia {
		if g.ID == id {
			return g, true
		}
	}
	return GanglionSpec{}, false
}

// MuscleIDs lists the muscle slots wired on a ganglion. An empty list in the
// description means every slot.
func (g GanglionSpec) MuscleIDs() []int {
	if len(g.Muscles) == 0 {
		ids := make([]int, MusclesPerGanglion)
		for i := range ids {
			ids[i] = i
		}
		return ids
	}
	ids := make([]int, len(g.Muscles))
	for i, m := range g.Muscles {
		ids[i] = m.ID
	}
	return ids
}

// ParseError locates a problem in the raw description text.
// Offset is 0-based; Line and Column are 1-based (Column 0 when unknown).
type ParseError struct {
	Offset int
	Line   int
	Column int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("[%d]:%d:%d: %s", e.Offset, e.Line, e.Column, e.Msg)
}

// ParseDescription parses the YAML bridge description found under RootKey.
func ParseDescription(raw string) (BusDescription, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return BusDescription{}, yamlError(raw, err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return BusDescription{}, newParseError(raw, 1, 1, "empty description")
	}
	top := doc.Content[0]
	if top.Kind != yaml.MappingNode {
		return BusDescription{}, newParseError(raw, top.Line, top.Column, "description is not a mapping")
	}
	fr := mapValue(top, RootKey)
	if fr == nil {
		return BusDescription{}, newParseError(raw, top.Line, top.Column, "missing "+RootKey+" key")
	}

	var d BusDescription
	if err := fr.Decode(&d); err != nil {
		return BusDescription{}, yamlError(raw, err)
	}
	if err := validate(raw, fr, d); err != nil {
		return BusDescription{}, err
	}
	return d, nil
}

func validate(raw string, fr *yaml.Node, d BusDescription) error {
	if d.Serial == "" {
		return newParseError(raw, fr.Line, fr.Column, "serial must be set")
	}
	if len(d.Ganglia) == 0 {
		return newParseError(raw, fr.Line, fr.Column, "at least one ganglion is required")
	}
	gNodes := mapValue(fr, "ganglions")
	seen := map[int]bool{}
	for i, g := range d.Ganglia {
		gn := itemAt(gNodes, i, fr)
		if g.ID < 0 {
			return newParseError(raw, gn.Line, gn.Column, "ganglion id must be non-negative")
		}
		if seen[g.ID] {
			return newParseError(raw, gn.Line, gn.Column, "duplicate ganglion id "+strconv.Itoa(g.ID))
		}
		seen[g.ID] = true

		mNodes := mapValue(gn, "muscles")
		slots := map[int]bool{}
		for j, m := range g.Muscles {
			mn := itemAt(mNodes, j, gn)
			if m.ID < 0 || m.ID >= MusclesPerGanglion {
				return newParseError(raw, mn.Line, mn.Column,
					fmt.Sprintf("muscle id %d out of range [0,%d)", m.ID, MusclesPerGanglion))
			}
			if slots[m.ID] {
				return newParseError(raw, mn.Line, mn.Column, "duplicate muscle id "+strconv.Itoa(m.ID))
			}
			slots[m.ID] = true
		}
	}
	return nil
}

// resolve follows alias nodes to their anchor.
func resolve(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

func mapValue(m *yaml.Node, key string) *yaml.Node {
	m = resolve(m)
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return resolve(m.Content[i+1])
		}
	}
	return nil
}

// itemAt returns element i of seq for error positions, or fallback when seq
// does not hold it (merge keys, for one).
func itemAt(seq *yaml.Node, i int, fallback *yaml.Node) *yaml.Node {
	if seq != nil && seq.Kind == yaml.SequenceNode && i < len(seq.Content) {
		if n := resolve(seq.Content[i]); n != nil {
			return n
		}
	}
	return fallback
}

var (
	reSyntax = regexp.MustCompile(`^yaml: line (\d+)(?:: column (\d+))?: (.*)$`)
	reType   = regexp.MustCompile(`^line (\d+): (.*)$`)
)

// yamlError converts a yaml.v3 error into a ParseError when it carries a line.
func yamlError(raw string, err error) error {
	var te *yaml.TypeError
	if errors.As(err, &te) && len(te.Errors) > 0 {
		if m := reType.FindStringSubmatch(te.Errors[0]); m != nil {
			line, _ := strconv.Atoi(m[1])
			return newParseError(raw, line, 0, m[2])
		}
		return newParseError(raw, 0, 0, te.Errors[0])
	}
	if m := reSyntax.FindStringSubmatch(err.Error()); m != nil {
		line, _ := strconv.Atoi(m[1])
		col, _ := strconv.Atoi(m[2])
		return newParseError(raw, line, col, m[3])
	}
	return &ParseError{Msg: err.Error()}
}

func newParseError(raw string, line, col int, msg string) *ParseError {
	return &ParseError{Offset: offsetOf(raw, line, col), Line: line, Column: col, Msg: msg}
}

// offsetOf maps a 1-based line/column to a byte offset in raw.
func offsetOf(raw string, line, col int) int {
	if line <= 1 {
		line = 1
	}
	if col <= 1 {
		col = 1
	}
	off, cur := 0, 1
	for cur < line && off < len(raw) {
		if raw[off] == '\n' {
			cur++
		}
		off++
	}
	off += col - 1
	if off > len(raw) {
		off = len(raw)
	}
	return off
}
