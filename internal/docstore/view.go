package docstore

import (
	"sort"
	"strings"
)

// HighSentinel sorts after any character a real key contains; appending it to
// a prefix yields the inclusive upper bound of a prefix scan.
const HighSentinel = "\ufff0"

// AllView is the view every repository publishes over the ids of its type.
const AllView = "all"

// PrefixEnd returns the upper bound of a prefix scan.
func PrefixEnd(prefix string) string {
	return prefix + HighSentinel
}

// Reduce names a builtin aggregation of a view.
type Reduce string

const (
	ReduceNone  Reduce = ""
	ReduceCount Reduce = "_count"
	ReduceSum   Reduce = "_sum"
)

// ViewDefinition declares a secondary index over the documents of one type.
//
// With no KeyFields the key is the document id. One key field yields a scalar
// key, several yield an array key. EmitEach emits one row per element of the
// first key field (or per member name when it is an object). Documents whose
// first key field is absent or null emit nothing.
type ViewDefinition struct {
	Name       string
	TypeName   string
	KeyFields  []string
	EmitEach   bool
	ValueField string
	Reduce     Reduce
}

// DesignDocument groups the views published together for one repository.
type DesignDocument struct {
	Name  string
	Views []ViewDefinition
}

// EmittedRow is a key/value pair produced by evaluating a view over a document.
type EmittedRow struct {
	Key   any
	Value any
}

// Emit evaluates the view over a decoded document.
func (v ViewDefinition) Emit(doc map[string]any) []EmittedRow {
	if typeName, _ := doc[fieldType].(string); typeName != v.TypeName {
		return nil
	}

	var value any
	if v.ValueField != "" {
		value, _ = fieldValue(doc, v.ValueField)
	}

	if len(v.KeyFields) == 0 {
		return []EmittedRow{{Key: doc["_id"], Value: value}}
	}

	head, ok := fieldValue(doc, v.KeyFields[0])
	if !ok {
		return nil
	}
	rest := make([]any, 0, len(v.KeyFields)-1)
	for _, field := range v.KeyFields[1:] {
		fieldVal, _ := fieldValue(doc, field)
		rest = append(rest, fieldVal)
	}

	heads := []any{head}
	if v.EmitEach {
		switch typed := head.(type) {
		case []any:
			heads = typed
		case map[string]any:
			names := make([]string, 0, len(typed))
			for name := range typed {
				names = append(names, name)
			}
			sort.Strings(names)
			heads = make([]any, 0, len(names))
			for _, name := range names {
				heads = append(heads, name)
			}
		default:
			return nil
		}
	}

	rows := make([]EmittedRow, 0, len(heads))
	for _, element := range heads {
		var key any = element
		if len(v.KeyFields) > 1 {
			key = append([]any{element}, rest...)
		}
		rows = append(rows, EmittedRow{Key: key, Value: value})
	}
	return rows
}

func fieldValue(doc map[string]any, path string) (any, bool) {
	var current any = doc
	for _, segment := range strings.Split(path, ".") {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = object[segment]
		if !ok {
			return nil, false
		}
	}
	return current, current != nil
}

// UnlimitedRows requests every row of a page query.
const UnlimitedRows = -1

// PageRequest describes one page of a view listing.
type PageRequest struct {
	RowsPerPage  int
	DisplayStart int
	Ascending    bool
}

// Page holds the documents of one page and the total number of rows available.
type Page[T any] struct {
	Items         []*T
	TotalRowCount int
	Request       PageRequest
}
