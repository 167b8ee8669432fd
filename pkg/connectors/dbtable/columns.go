package dbtable

import (
	"fmt"

	"github.com/openfroyo/provisio/pkg/engine"
)

type column struct {
	Name    string
	Type    string
	NotNull bool
	Array   bool
}

type columnSet struct {
	list   []column
	byName map[string]column
	uid    string
}

func newColumnSet(cols []column, uidCol, syncCol string) (*columnSet, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("table has no columns or does not exist")
	}
	set := &columnSet{list: cols, byName: make(map[string]column, len(cols)), uid: uidCol}
	for _, col := range cols {
		set.byName[col.Name] = col
	}
	if c, ok := set.byName[uidCol]; !ok || c.Array {
		return nil, fmt.Errorf("uid column %q missing or multi-valued", uidCol)
	}
	if syncCol != "" {
		if c, ok := set.byName[syncCol]; !ok || c.Array {
			return nil, fmt.Errorf("sync column %q missing or multi-valued", syncCol)
		}
	}
	return set, nil
}

type assignment struct {
	names        []string
	placeholders []string
	args         []interface{}
}

// assignments renders attrs as quoted column names and text-cast
// placeholders numbered from first.
func (s *columnSet) assignments(attrs engine.Attributes, first int) (*assignment, error) {
	a := &assignment{}
	for _, name := range attrs.Names() {
		col, ok := s.byName[name]
		if !ok {
			return nil, engine.NewNativeOperationError(fmt.Sprintf("unknown column %q", name), nil).
				WithCode(engine.ErrCodeRejected)
		}
		values, _ := attrs.Get(name)
		n := first + len(a.args)
		a.names = append(a.names, quote(name))

		if col.Array {
			texts := make([]string, 0, len(values))
			for _, v := range values {
				texts = append(texts, engine.ValueString(v))
			}
			a.placeholders = append(a.placeholders, fmt.Sprintf("$%d::text[]::%s", n, col.Type))
			a.args = append(a.args, texts)
			continue
		}
		if len(values) > 1 {
			return nil, engine.NewNativeOperationError(fmt.Sprintf("column %q is single-valued, got %d values", name, len(values)), nil).
				WithCode(engine.ErrCodeRejected)
		}
		var arg interface{}
		if len(values) == 1 {
			arg = engine.ValueString(values[0])
		}
		a.placeholders = append(a.placeholders, fmt.Sprintf("$%d::text::%s", n, col.Type))
		a.args = append(a.args, arg)
	}
	return a, nil
}

// where renders filter terms as SQL conditions. ok is false when a term
// names an unknown column, so nothing can match.
func (s *columnSet) where(filter *engine.Filter) (conds []string, args []interface{}, ok bool) {
	if filter.IsEmpty() {
		return nil, nil, true
	}
	for _, term := range filter.Terms {
		name := term.Attribute
		if name == engine.UIDAttribute {
			name = s.uid
		}
		col, known := s.byName[name]
		if !known {
			return nil, nil, false
		}
		args = append(args, engine.ValueString(term.Value))
		if col.Array {
			conds = append(conds, fmt.Sprintf("$%d = ANY(%s::text[])", len(args), quote(name)))
		} else {
			conds = append(conds, fmt.Sprintf("%s::text = $%d", quote(name), len(args)))
		}
	}
	return conds, args, true
}

// selectList casts the wanted columns to text. The uid column is always
// selected.
func (s *columnSet) selectList(names []string) string {
	want := map[string]bool{s.uid: true}
	for _, n := range names {
		want[n] = true
	}
	var out string
	for _, col := range s.list {
		if len(names) > 0 && !want[col.Name] {
			continue
		}
		if out != "" {
			out += ", "
		}
		cast := "text"
		if col.Array {
			cast = "text[]"
		}
		out += fmt.Sprintf("%s::%s AS %s", quote(col.Name), cast, quote(col.Name))
	}
	return out
}
