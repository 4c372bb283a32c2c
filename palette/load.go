package palette

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a color map file and an optional seed titles file and
// validates them. Both accept JSON or YAML, chosen by extension. An empty
// path skips the file.
func Load(colorMapPath, seedsPath string) (*Tables, error) {
	var colorMap map[string]map[string]string
	if colorMapPath != "" {
		if err := readFile(colorMapPath, &colorMap); err != nil {
			return nil, err
		}
	}
	var seeds map[string]string
	if seedsPath != "" {
		if err := readFile(seedsPath, &seeds); err != nil {
			return nil, err
		}
	}
	return New(colorMap, seeds)
}

func readFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("palette: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, v)
	default:
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrConfiguration, path, err)
	}
	return nil
}
