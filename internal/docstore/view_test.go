package docstore

import (
	"reflect"
	"testing"
)

func TestViewDefinitionEmit(t *testing.T) {
	doc := map[string]any{
		"_id":      "c1",
		"type":     "component",
		"name":     "alpha",
		"owner":    map[string]any{"id": "u1"},
		"tags":     []any{"go", "db"},
		"licenses": map[string]any{"MIT": true, "Apache-2.0": true},
		"size":     3.0,
	}
	testCases := []struct {
		name     string
		view     ViewDefinition
		expected []EmittedRow
	}{
		{
			name:     "id key",
			view:     ViewDefinition{Name: AllView, TypeName: "component"},
			expected: []EmittedRow{{Key: "c1"}},
		},
		{
			name:     "other type",
			view:     ViewDefinition{Name: AllView, TypeName: "release"},
			expected: nil,
		},
		{
			name:     "nested field with value",
			view:     ViewDefinition{Name: "byOwner", TypeName: "component", KeyFields: []string{"owner.id"}, ValueField: "size"},
			expected: []EmittedRow{{Key: "u1", Value: 3.0}},
		},
		{
			name:     "compound key",
			view:     ViewDefinition{Name: "byOwnerName", TypeName: "component", KeyFields: []string{"owner.id", "name", "missing"}},
			expected: []EmittedRow{{Key: []any{"u1", "alpha", nil}}},
		},
		{
			name:     "emit each array element",
			view:     ViewDefinition{Name: "byTag", TypeName: "component", KeyFields: []string{"tags"}, EmitEach: true},
			expected: []EmittedRow{{Key: "go"}, {Key: "db"}},
		},
		{
			name:     "emit each member name",
			view:     ViewDefinition{Name: "byLicense", TypeName: "component", KeyFields: []string{"licenses"}, EmitEach: true},
			expected: []EmittedRow{{Key: "Apache-2.0"}, {Key: "MIT"}},
		},
		{
			name:     "absent head",
			view:     ViewDefinition{Name: "byVendor", TypeName: "component", KeyFields: []string{"vendor"}},
			expected: nil,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			rows := testCase.view.Emit(doc)
			if len(rows) == 0 && len(testCase.expected) == 0 {
				return
			}
			if !reflect.DeepEqual(rows, testCase.expected) {
				t.Fatalf("unexpected rows %#v, want %#v", rows, testCase.expected)
			}
		})
	}
}

func TestPrefixEnd(t *testing.T) {
	if PrefixEnd("ab") != "ab\ufff0" {
		t.Fatalf("unexpected prefix end %q", PrefixEnd("ab"))
	}
}
