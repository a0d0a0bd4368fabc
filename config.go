package gdwatch

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/goccy/go-yaml"
)

// YAMLConfigLoader reads a YAML config file and resolves flag values from it.
//
// Nested maps are joined with "-" to form flag names, and keys may use "_"
// in place of "-":
//
//	log_level: debug
//	storage:
//	  type: dynamodb
//	  table_name: gdwatch
//
// sets --log-level, --storage-type and --storage-table-name.
func YAMLConfigLoader(r io.Reader) (kong.Resolver, error) {
	values, err := loadConfigValues(r)
	if err != nil {
		return nil, err
	}
	var f kong.ResolverFunc = func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (any, error) {
		if v, ok := values[flag.Name]; ok {
			return v, nil
		}
		return nil, nil
	}
	return f, nil
}

func loadConfigValues(r io.Reader) (map[string]string, error) {
	raw := make(map[string]any)
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	values := make(map[string]string)
	if err := flattenConfig("", raw, values); err != nil {
		return nil, err
	}
	return values, nil
}

func flattenConfig(prefix string, m map[string]any, values map[string]string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.ReplaceAll(k, "_", "-")
		if prefix != "" {
			name = prefix + "-" + name
		}
		switch v := m[k].(type) {
		case map[string]any:
			if err := flattenConfig(name, v, values); err != nil {
				return err
			}
		case map[any]any:
			nested := make(map[string]any, len(v))
			for nk, nv := range v {
				nested[fmt.Sprint(nk)] = nv
			}
			if err := flattenConfig(name, nested, values); err != nil {
				return err
			}
		case []any:
			items := make([]string, 0, len(v))
			for _, item := range v {
				items = append(items, fmt.Sprint(item))
			}
			values[name] = strings.Join(items, ",")
		case nil:
		default:
			values[name] = fmt.Sprint(v)
		}
	}
	return nil
}

var _ kong.ConfigurationLoader = YAMLConfigLoader
