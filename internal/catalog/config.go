package catalog

// Config is the declarative input the catalog is built from. Table order is
// irrelevant: related-table references may point forward.
type Config struct {
	Tables     []TableConfig
	Metrics    []MetricConfig
	Transforms []TransformConfig
}

// TableConfig declares a relation, its outgoing join edges and the
// calculations it owns.
type TableConfig struct {
	ID         string
	Source     string // backend locator; defaults to ID
	PrimaryKey string
	Filters    []string
	Related    []RelatedConfig
	Dimensions []DimensionConfig
	Measures   []MeasureConfig
}

// RelatedConfig declares a join edge from the owning table to Table.
type RelatedConfig struct {
	Alias      string // defaults to Table
	Table      string
	ForeignKey string
	RelatedKey string // defaults to the target's primary key
}

// CalculationConfig holds the fields shared by dimensions, measures and metrics.
type CalculationConfig struct {
	ID          string
	Name        string
	Description string
	Type        string
	Format      string
	Missing     string
	Expr        string
}

// DimensionConfig declares a dimension. Union dimensions repeat the same id
// on several tables.
type DimensionConfig struct {
	CalculationConfig
	Union bool
}

// MeasureConfig declares a measure. Metric spawns an implicit metric with the
// same id. Time names the dimension used for generic time grouping.
type MeasureConfig struct {
	CalculationConfig
	Filter string
	Time   string
	Metric bool
}

// MetricConfig declares a metric over measures and other metrics.
type MetricConfig struct {
	CalculationConfig
}

// TransformConfig declares a scalar transform template. Declared transforms
// override built-ins with the same id.
type TransformConfig struct {
	ID     string
	Expr   string
	Suffix string
	Type   string
	Format string
}
