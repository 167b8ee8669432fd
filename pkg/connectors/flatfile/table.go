package flatfile

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/provisio/pkg/engine"
)

// table is the decoded content of one delimited file. The first row is the
// header; every other row holds one object.
type table struct {
	header []string
	rows   []map[string]string
}

type format struct {
	delimiter rune
	separator string
}

func parseTable(data []byte, f format) (*table, error) {
	t := &table{}
	if len(bytes.TrimSpace(data)) == 0 {
		return t, nil
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = f.delimiter
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse file: %w", err)
	}
	t.header = records[0]
	for line, rec := range records[1:] {
		if len(rec) > len(t.header) {
			return nil, fmt.Errorf("line %d has %d fields, header has %d", line+2, len(rec), len(t.header))
		}
		row := make(map[string]string, len(t.header))
		for i, v := range rec {
			row[t.header[i]] = v
		}
		t.rows = append(t.rows, row)
	}
	return t, nil
}

func (t *table) encode(f format) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = f.delimiter
	if err := w.Write(t.header); err != nil {
		return nil, err
	}
	rec := make([]string, len(t.header))
	for _, row := range t.rows {
		for i, col := range t.header {
			rec[i] = row[col]
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// find returns the index of the row whose uid column equals uid, or -1.
func (t *table) find(uidCol, uid string) int {
	for i, row := range t.rows {
		if row[uidCol] == uid {
			return i
		}
	}
	return -1
}

// ensureColumn appends a column to the header when missing.
func (t *table) ensureColumn(name string) {
	for _, h := range t.header {
		if h == name {
			return
		}
	}
	t.header = append(t.header, name)
}

// set writes attrs into row, adding header columns as needed. An attribute
// with no values clears the cell.
func (t *table) set(row map[string]string, attrs engine.Attributes, f format) {
	for _, name := range attrs.Names() {
		if name == engine.UIDAttribute {
			continue
		}
		t.ensureColumn(name)
		values, _ := attrs.Get(name)
		parts := make([]string, 0, len(values))
		for _, v := range values {
			if v == nil {
				continue
			}
			parts = append(parts, engine.ValueString(v))
		}
		row[name] = strings.Join(parts, f.separator)
	}
}

func (t *table) object(objectClass, uidCol string, row map[string]string, f format) *engine.ConnectorObject {
	attrs := engine.Attributes{}
	for _, col := range t.header {
		v, ok := row[col]
		if !ok || v == "" {
			continue
		}
		var values []interface{}
		if f.separator != "" && col != uidCol {
			for _, part := range strings.Split(v, f.separator) {
				values = append(values, part)
			}
		} else {
			values = []interface{}{v}
		}
		attrs.Set(col, values...)
	}
	return &engine.ConnectorObject{ObjectClass: objectClass, UID: row[uidCol], Attributes: attrs}
}

// sorted returns the rows ordered by uid.
func (t *table) sorted(uidCol string) []map[string]string {
	out := append([]map[string]string(nil), t.rows...)
	sort.SliceStable(out, func(i, j int) bool { return out[i][uidCol] < out[j][uidCol] })
	return out
}
