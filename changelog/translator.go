package changelog

import (
	"fmt"
)

// Translator maps change events of one table to mutations keyed by KeyColumn.
// Schema is optional; when empty only the table name is compared.
type Translator struct {
	Schema    string
	Table     string
	KeyColumn string
}

// Translate is Translator{Table: table, KeyColumn: keyColumn}.Translate(ev).
func Translate(ev ChangeEvent, table, keyColumn string) (Mutation, error) {
	return Translator{Table: table, KeyColumn: keyColumn}.Translate(ev)
}

func (t Translator) Translate(ev ChangeEvent) (Mutation, error) {
	if ev.Table != t.Table {
		return Skip{Reason: "table " + ev.Table}, nil
	}

	if t.Schema != "" && ev.Schema != t.Schema {
		return Skip{Reason: "schema " + ev.Schema}, nil
	}

	switch c := ev.Change.(type) {
	case Insert:
		key, err := t.key(ev, c.After)
		if err != nil {
			return nil, err
		}
		return Upsert{Key: key, Document: c.After, Insert: true}, nil
	case Update:
		key, err := t.key(ev, c.After)
		if err != nil {
			return nil, err
		}
		return Upsert{Key: key, Document: c.After}, nil
	case Delete:
		key, err := t.key(ev, c.Before)
		if err != nil {
			return nil, err
		}
		return DeleteByKey{Key: key}, nil
	default:
		return nil, fmt.Errorf("unsupported row change %T at %s", ev.Change, ev.Coordinate)
	}
}

// A NULL key can't identify a document so it is treated as missing.
func (t Translator) key(ev ChangeEvent, row Row) (interface{}, error) {
	key, ok := row[t.KeyColumn]

	if !ok || key == nil {
		return nil, &MissingKeyError{
			Column:     t.KeyColumn,
			Schema:     ev.Schema,
			Table:      ev.Table,
			Kind:       ev.Kind(),
			Coordinate: ev.Coordinate,
			Columns:    row.Columns(),
		}
	}

	return key, nil
}
