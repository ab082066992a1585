package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ggoodman/lockmaster-go/lockerr"
	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// LoadFile decodes the file at path into cfg by extension. Fields absent
// from the file keep their current value. A relative
// software_statement_file is resolved against the file's directory.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read config file %s: %w", lockerr.ErrInvalidConfig, path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), cfg)
	default:
		return fmt.Errorf("%w: unsupported config file extension %q", lockerr.ErrInvalidConfig, ext)
	}
	if err != nil {
		return fmt.Errorf("%w: parse config file %s: %w", lockerr.ErrInvalidConfig, path, err)
	}

	cfg.Abs(filepath.Dir(path))
	return nil
}
