package postgres

import (
	"reflect"
	"sync"
)

// columnCache maps a struct type to the (field index, column) pairs of its
// db-tagged fields. Embedded structs are flattened.
var columnCache sync.Map // map[reflect.Type][]taggedField

type taggedField struct {
	index  []int
	column string
}

func taggedFields(t reflect.Type) []taggedField {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if cached, ok := columnCache.Load(t); ok {
		return cached.([]taggedField)
	}

	var fields []taggedField
	if t.Kind() == reflect.Struct {
		for _, f := range reflect.VisibleFields(t) {
			if f.Anonymous {
				continue
			}
			tag := f.Tag.Get("db")
			if tag == "" || tag == "-" {
				continue
			}
			fields = append(fields, taggedField{index: f.Index, column: tag})
		}
	}

	columnCache.Store(t, fields)
	return fields
}

// ExtractDBColumns lists the db column names of T in field order.
func ExtractDBColumns[T any]() []string {
	fields := taggedFields(reflect.TypeOf((*T)(nil)).Elem())
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.column
	}
	return cols
}

// StructToMap maps db column names to field values. Non-struct input yields nil.
func StructToMap(v any) map[string]any {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	fields := taggedFields(rv.Type())
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		out[f.column] = rv.FieldByIndex(f.index).Interface()
	}
	return out
}
