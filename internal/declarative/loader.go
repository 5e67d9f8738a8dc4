package declarative

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"duck-semantic/internal/catalog"
)

// LoadOptions configures YAML loading behavior.
type LoadOptions struct {
	AllowUnknownFields bool
}

// LoadDirectory reads the model under dir.
func LoadDirectory(dir string) (*Model, error) {
	return LoadDirectoryWithOptions(dir, LoadOptions{})
}

// LoadDirectoryWithOptions reads the model under dir using caller-provided
// loading options.
func LoadDirectoryWithOptions(dir string, opts LoadOptions) (*Model, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("model directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("model directory: %s is not a directory", dir)
	}

	model := &Model{}
	if err := loadTables(dir, model, opts); err != nil {
		return nil, err
	}

	metricsPath := filepath.Join(dir, "metrics.yaml")
	var metricDoc MetricListDoc
	if found, err := loadYAMLFile(metricsPath, &metricDoc, opts); err != nil {
		return nil, err
	} else if found {
		if err := validateDocument(metricsPath, metricDoc.APIVersion, metricDoc.Kind, KindNameMetricList); err != nil {
			return nil, err
		}
		model.Metrics = metricDoc.Metrics
	}

	transformsPath := filepath.Join(dir, "transforms.yaml")
	var transformDoc TransformListDoc
	if found, err := loadYAMLFile(transformsPath, &transformDoc, opts); err != nil {
		return nil, err
	} else if found {
		if err := validateDocument(transformsPath, transformDoc.APIVersion, transformDoc.Kind, KindNameTransformList); err != nil {
			return nil, err
		}
		model.Transforms = transformDoc.Transforms
	}

	return model, nil
}

// Load reads the model under dir, validates its structure and converts it
// into a catalog configuration.
func Load(dir string) (catalog.Config, error) {
	model, err := LoadDirectory(dir)
	if err != nil {
		return catalog.Config{}, err
	}
	if errs := Validate(model); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return catalog.Config{}, fmt.Errorf("invalid model in %s:\n  %s", dir, strings.Join(msgs, "\n  "))
	}
	return model.Config(), nil
}

// loadYAMLFile reads and unmarshals a YAML file into the given target.
// Returns (false, nil) if the file doesn't exist.
func loadYAMLFile(path string, target interface{}, opts LoadOptions) (bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // intentional: reading user-specified model files
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if opts.AllowUnknownFields {
		if err := yaml.Unmarshal(data, target); err != nil {
			return false, fmt.Errorf("parse %s: %w", path, err)
		}
		return true, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(target); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

// validateDocument checks the apiVersion and kind fields.
func validateDocument(path string, apiVersion, kind, expectedKind string) error {
	if apiVersion != SupportedAPIVersion {
		return fmt.Errorf("%s: unsupported apiVersion %q (expected %q)", path, apiVersion, SupportedAPIVersion)
	}
	if kind != expectedKind {
		return fmt.Errorf("%s: unexpected kind %q (expected %q)", path, kind, expectedKind)
	}
	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// loadTables walks tables/. Subdirectories are organizational only; each
// .yaml file is one table named after the file.
func loadTables(root string, model *Model, opts LoadOptions) error {
	tablesDir := filepath.Join(root, "tables")
	if !dirExists(tablesDir) {
		return nil
	}
	var files []string
	err := filepath.WalkDir(tablesDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".yaml") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("read tables directory: %w", err)
	}
	sort.Strings(files)

	for _, path := range files {
		var doc TableDoc
		if _, err := loadYAMLFile(path, &doc, opts); err != nil {
			return err
		}
		if err := validateDocument(path, doc.APIVersion, doc.Kind, KindNameTable); err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		if doc.Metadata.Name != name {
			return fmt.Errorf("%s: metadata.name %q does not match file name %q", path, doc.Metadata.Name, name)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		model.Tables = append(model.Tables, TableResource{Name: name, FilePath: rel, Spec: doc.Spec})
	}
	return nil
}

// Config converts the model into a catalog configuration.
func (m *Model) Config() catalog.Config {
	var cfg catalog.Config
	for _, t := range m.Tables {
		tc := catalog.TableConfig{
			ID:         t.Name,
			Source:     t.Spec.Source,
			PrimaryKey: t.Spec.PrimaryKey,
			Filters:    t.Spec.Filters,
		}
		for _, r := range t.Spec.Related {
			tc.Related = append(tc.Related, catalog.RelatedConfig(r))
		}
		for _, d := range t.Spec.Dimensions {
			tc.Dimensions = append(tc.Dimensions, catalog.DimensionConfig{
				CalculationConfig: calculation(d.CalculationSpec),
				Union:             d.Union,
			})
		}
		for _, ms := range t.Spec.Measures {
			tc.Measures = append(tc.Measures, catalog.MeasureConfig{
				CalculationConfig: calculation(ms.CalculationSpec),
				Filter:            ms.Filter,
				Time:              ms.Time,
				Metric:            ms.Metric == nil || *ms.Metric,
			})
		}
		cfg.Tables = append(cfg.Tables, tc)
	}
	for _, c := range m.Metrics {
		cfg.Metrics = append(cfg.Metrics, catalog.MetricConfig{CalculationConfig: calculation(c)})
	}
	for _, t := range m.Transforms {
		cfg.Transforms = append(cfg.Transforms, catalog.TransformConfig(t))
	}
	return cfg
}

func calculation(c CalculationSpec) catalog.CalculationConfig {
	return catalog.CalculationConfig(c)
}
