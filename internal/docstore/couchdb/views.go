package couchdb

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore"
	"go.uber.org/zap"
)

const (
	opPutDesign = "couchdb.put_design"
	opQueryView = "couchdb.query_view"

	designAttempts = 3
)

type designDocument struct {
	ID       string                `json:"_id"`
	Rev      string                `json:"_rev,omitempty"`
	Language string                `json:"language"`
	Views    map[string]designView `json:"views"`
}

type designView struct {
	Map    string `json:"map"`
	Reduce string `json:"reduce,omitempty"`
}

// PutDesign publishes the views as JavaScript map functions. An unchanged
// design document is left alone so the server keeps its index.
func (c *Client) PutDesign(ctx context.Context, database string, design docstore.DesignDocument) error {
	id := "_design/" + design.Name
	desired := designDocument{ID: id, Language: "javascript", Views: make(map[string]designView, len(design.Views))}
	for _, view := range design.Views {
		desired.Views[view.Name] = designView{Map: mapFunction(view), Reduce: string(view.Reduce)}
	}

	path := documentPath(database, id)
	for attempt := 0; attempt < designAttempts; attempt++ {
		var current designDocument
		err := c.doJSON(ctx, opPutDesign, http.MethodGet, path, nil, nil, &current)
		switch {
		case err == nil:
			if maps.Equal(current.Views, desired.Views) {
				return nil
			}
			desired.Rev = current.Rev
		case errors.Is(err, docstore.ErrNotFound):
			desired.Rev = ""
		default:
			return err
		}

		err = c.doJSON(ctx, opPutDesign, http.MethodPut, path, nil, desired, nil)
		if err == nil {
			c.logger.Info("design document published",
				zap.String("database", database),
				zap.String("design", design.Name),
				zap.Int("views", len(desired.Views)))
			return nil
		}
		if !errors.Is(err, docstore.ErrConflict) {
			return err
		}
	}
	return &docstore.StoreError{Op: opPutDesign, Kind: "conflict", Reason: "design document kept changing", Err: docstore.ErrConflict}
}

// QueryView reads a view. Key sets are posted; every other query is a GET.
func (c *Client) QueryView(ctx context.Context, database, design, view string, query docstore.ViewQuery) (docstore.ViewResult, error) {
	params, err := viewParams(query)
	if err != nil {
		return docstore.ViewResult{}, docstore.NewStoreError(opQueryView, err)
	}
	path := databasePath(database) + "/_design/" + url.PathEscape(design) + "/_view/" + url.PathEscape(view)

	var result docstore.ViewResult
	if len(query.Keys) > 0 && !query.CountOnly {
		err = c.doJSON(ctx, opQueryView, http.MethodPost, path, params, map[string]any{"keys": query.Keys}, &result)
	} else {
		err = c.doJSON(ctx, opQueryView, http.MethodGet, path, params, nil, &result)
	}
	if err != nil {
		return docstore.ViewResult{}, err
	}
	if result.Rows == nil {
		result.Rows = []docstore.ViewRow{}
	}
	return result, nil
}

func viewParams(query docstore.ViewQuery) (url.Values, error) {
	params := url.Values{}
	if query.CountOnly {
		params.Set("limit", "0")
		params.Set("reduce", "false")
		return params, nil
	}
	params.Set("reduce", strconv.FormatBool(query.Reduce))
	for name, value := range map[string]any{"key": query.Key, "startkey": query.StartKey, "endkey": query.EndKey} {
		if value == nil {
			continue
		}
		encoded, err := jsonAPI.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		params.Set(name, string(encoded))
	}
	if query.ExclusiveEnd {
		params.Set("inclusive_end", "false")
	}
	if query.Descending {
		params.Set("descending", "true")
	}
	if query.Limit > 0 {
		params.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Skip > 0 {
		params.Set("skip", strconv.Itoa(query.Skip))
	}
	if query.IncludeDocs && !query.Reduce {
		params.Set("include_docs", "true")
	}
	if query.Reduce && query.Group {
		params.Set("group", "true")
	}
	return params, nil
}

// mapFunction renders a view definition as a CouchDB map function that emits
// the same rows as docstore.ViewDefinition.Emit.
func mapFunction(view docstore.ViewDefinition) string {
	var source strings.Builder
	source.WriteString("function (doc) {\n")
	fmt.Fprintf(&source, "  if (doc.type !== %s) return;\n", jsString(view.TypeName))
	source.WriteString("  var field = function (path) {\n")
	source.WriteString("    var parts = path.split(\".\"), value = doc;\n")
	source.WriteString("    for (var i = 0; i < parts.length; i++) {\n")
	source.WriteString("      if (value === null || typeof value !== \"object\") return null;\n")
	source.WriteString("      value = value[parts[i]];\n")
	source.WriteString("      if (value === undefined) return null;\n")
	source.WriteString("    }\n")
	source.WriteString("    return value;\n")
	source.WriteString("  };\n")
	if view.ValueField != "" {
		fmt.Fprintf(&source, "  var value = field(%s);\n", jsString(view.ValueField))
	} else {
		source.WriteString("  var value = null;\n")
	}

	if len(view.KeyFields) == 0 {
		source.WriteString("  emit(doc._id, value);\n}")
		return source.String()
	}

	fmt.Fprintf(&source, "  var head = field(%s);\n", jsString(view.KeyFields[0]))
	source.WriteString("  if (head === null) return;\n")
	rest := make([]string, 0, len(view.KeyFields)-1)
	for _, name := range view.KeyFields[1:] {
		rest = append(rest, "field("+jsString(name)+")")
	}
	fmt.Fprintf(&source, "  var rest = [%s];\n", strings.Join(rest, ", "))
	if view.EmitEach {
		source.WriteString("  var heads;\n")
		source.WriteString("  if (Array.isArray(head)) heads = head;\n")
		source.WriteString("  else if (typeof head === \"object\") heads = Object.keys(head).sort();\n")
		source.WriteString("  else return;\n")
	} else {
		source.WriteString("  var heads = [head];\n")
	}
	source.WriteString("  for (var j = 0; j < heads.length; j++) {\n")
	if len(view.KeyFields) > 1 {
		source.WriteString("    emit([heads[j]].concat(rest), value);\n")
	} else {
		source.WriteString("    emit(heads[j], value);\n")
	}
	source.WriteString("  }\n}")
	return source.String()
}

func jsString(value string) string {
	encoded, err := jsonAPI.MarshalToString(value)
	if err != nil {
		return `""`
	}
	return encoded
}
