// Package declarative loads a semantic model from a directory of YAML
// documents and converts it into a catalog configuration.
//
// Layout:
//
//	<dir>/tables/<name>.yaml   one Table document per file
//	<dir>/metrics.yaml         optional MetricList
//	<dir>/transforms.yaml      optional TransformList
package declarative

// SupportedAPIVersion is the only accepted apiVersion.
const SupportedAPIVersion = "semantic.duck/v1"

// Document kinds.
const (
	KindNameTable         = "Table"
	KindNameMetricList    = "MetricList"
	KindNameTransformList = "TransformList"
)

// Document is the generic envelope parsed first to determine Kind.
type Document struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
}

// ObjectMeta holds common metadata for named resources.
type ObjectMeta struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// === Tables ===

// TableDoc declares one table with its joins and calculations.
type TableDoc struct {
	APIVersion string     `yaml:"apiVersion"`
	Kind       string     `yaml:"kind"`
	Metadata   ObjectMeta `yaml:"metadata"`
	Spec       TableSpec  `yaml:"spec"`
}

// TableSpec is the body of a Table document.
type TableSpec struct {
	Source     string          `yaml:"source,omitempty"` // defaults to metadata.name
	PrimaryKey string          `yaml:"primary_key,omitempty"`
	Filters    []string        `yaml:"filters,omitempty"`
	Related    []RelatedSpec   `yaml:"related,omitempty"`
	Dimensions []DimensionSpec `yaml:"dimensions,omitempty"`
	Measures   []MeasureSpec   `yaml:"measures,omitempty"`
}

// RelatedSpec declares a join edge to another table.
type RelatedSpec struct {
	Alias      string `yaml:"alias,omitempty"`
	Table      string `yaml:"table"`
	ForeignKey string `yaml:"foreign_key"`
	RelatedKey string `yaml:"related_key,omitempty"`
}

// CalculationSpec holds the fields shared by dimensions, measures and
// metrics.
type CalculationSpec struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`
	Type        string `yaml:"type,omitempty"`
	Format      string `yaml:"format,omitempty"`
	Missing     string `yaml:"missing,omitempty"`
	Expr        string `yaml:"expr,omitempty"`
}

// DimensionSpec declares a dimension.
type DimensionSpec struct {
	CalculationSpec `yaml:",inline"`
	Union           bool `yaml:"union,omitempty"`
}

// MeasureSpec declares a measure. Metric defaults to true.
type MeasureSpec struct {
	CalculationSpec `yaml:",inline"`
	Filter          string `yaml:"filter,omitempty"`
	Time            string `yaml:"time,omitempty"`
	Metric          *bool  `yaml:"metric,omitempty"`
}

// === Metrics ===

// MetricListDoc declares metrics over measures and other metrics.
type MetricListDoc struct {
	APIVersion string            `yaml:"apiVersion"`
	Kind       string            `yaml:"kind"`
	Metrics    []CalculationSpec `yaml:"metrics"`
}

// === Transforms ===

// TransformListDoc declares scalar transform templates.
type TransformListDoc struct {
	APIVersion string          `yaml:"apiVersion"`
	Kind       string          `yaml:"kind"`
	Transforms []TransformSpec `yaml:"transforms"`
}

// TransformSpec is one scalar transform template.
type TransformSpec struct {
	ID     string `yaml:"id"`
	Expr   string `yaml:"expr"`
	Suffix string `yaml:"suffix,omitempty"`
	Type   string `yaml:"type,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// === Loaded model ===

// TableResource is a loaded table with the file it came from.
type TableResource struct {
	Name     string
	FilePath string
	Spec     TableSpec
}

// Model is the content of a model directory.
type Model struct {
	Tables     []TableResource
	Metrics    []CalculationSpec
	Transforms []TransformSpec
}
