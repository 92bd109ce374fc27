package flag

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// YAML is a kong.ConfigurationLoader. Keys are flag names, with dashes or
// underscores. Flags of a command may also be nested under the command
// name, which wins over a top-level key:
//
//	log-level: debug
//	boot:
//	  cpus: 4
//	  memory: 64M
func YAML(r io.Reader) (kong.Resolver, error) {
	values := map[string]any{}

	if err := yaml.NewDecoder(r).Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}

	var f kong.ResolverFunc = func(_ *kong.Context, parent *kong.Path, flag *kong.Flag) (any, error) {
		if parent != nil && parent.Command != nil {
			if sub, ok := values[parent.Command.Name].(map[string]any); ok {
				if v, ok := lookup(sub, flag.Name); ok {
					return v, nil
				}
			}
		}

		if v, ok := lookup(values, flag.Name); ok {
			return v, nil
		}

		return nil, nil
	}

	return f, nil
}

func lookup(values map[string]any, name string) (any, bool) {
	for _, key := range []string{name, strings.ReplaceAll(name, "-", "_")} {
		if v, ok := values[key]; ok {
			if _, nested := v.(map[string]any); !nested {
				return v, true
			}
		}
	}

	return nil, false
}
