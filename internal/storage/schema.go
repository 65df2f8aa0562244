package storage

import (
	"strings"

	"github.com/cyderes/findings-ingestion-service/internal/models"
)

// Schema describes the container findings are written to.
type Schema struct {
	Database         string
	Container        string
	PartitionKeyPath string
	IndexingPolicy   IndexingPolicy
}

// IndexingPolicy lists the property paths the store indexes and the ones it must not.
// Paths use the "/field/?" form; "/" stands for the document root.
type IndexingPolicy struct {
	IncludedPaths []string
	ExcludedPaths []string
}

// recordField maps a finding record property to its relational column.
type recordField struct {
	Name   string
	Column string
}

// recordFields are the queryable finding record properties, in schema order.
var recordFields = []recordField{
	{Name: "subscription", Column: "subscription"},
	{Name: "resourceGroup", Column: "resource_group"},
	{Name: "storageAreaName", Column: "storage_area_name"},
	{Name: "storageAreaContainer", Column: "storage_area_container"},
	{Name: "fileName", Column: "file_name"},
	{Name: "operation", Column: "operation"},
	{Name: "fieldName", Column: "field_name"},
	{Name: "fieldType", Column: "field_type"},
	{Name: "sourceLastModified", Column: "source_last_modified"},
}

// RevisionPath is the store's internal revision field. Nothing queries it, so it is
// kept out of the index.
const RevisionPath = "/_etag/?"

// DefaultSchema returns the findings container schema: partition key /id, every record
// field indexed, the revision field excluded.
func DefaultSchema(database, container string) Schema {
	included := []string{"/"}
	for _, f := range recordFields {
		included = append(included, "/"+f.Name+"/?")
	}
	return Schema{
		Database:         database,
		Container:        container,
		PartitionKeyPath: "/id",
		IndexingPolicy: IndexingPolicy{
			IncludedPaths: included,
			ExcludedPaths: []string{RevisionPath},
		},
	}
}

// IndexedFields returns the property names named by the included paths, skipping the
// root path and any excluded property.
func (p IndexingPolicy) IndexedFields() []string {
	excluded := make(map[string]bool, len(p.ExcludedPaths))
	for _, path := range p.ExcludedPaths {
		excluded[fieldFromPath(path)] = true
	}

	var fields []string
	for _, path := range p.IncludedPaths {
		name := fieldFromPath(path)
		if name == "" || excluded[name] {
			continue
		}
		fields = append(fields, name)
	}
	return fields
}

// fieldFromPath turns "/fileName/?" into "fileName". The root path yields "".
func fieldFromPath(path string) string {
	path = strings.TrimSuffix(path, "/*")
	path = strings.TrimSuffix(path, "/?")
	return strings.Trim(path, "/")
}

func columnFor(name string) (string, bool) {
	for _, f := range recordFields {
		if f.Name == name {
			return f.Column, true
		}
	}
	return "", false
}

// fieldMatch is one equality condition of a findings query.
type fieldMatch struct {
	Name  string
	Value string
}

// filterMatches returns the non-empty conditions of f in schema order.
func filterMatches(f models.FindingFilter) []fieldMatch {
	all := []fieldMatch{
		{"subscription", f.Subscription},
		{"resourceGroup", f.ResourceGroup},
		{"storageAreaName", f.StorageAreaName},
		{"storageAreaContainer", f.StorageAreaContainer},
		{"fileName", f.FileName},
		{"operation", f.Operation},
		{"fieldName", f.FieldName},
		{"fieldType", f.FieldType},
	}
	var out []fieldMatch
	for _, m := range all {
		if m.Value != "" {
			out = append(out, m)
		}
	}
	return out
}
