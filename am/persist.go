package am

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/4liaghaie/scraper-dashboard/errors"
)

// Marshal renders the configuration as TOML
func Marshal(cfg *Config) ([]byte, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config to TOML")
	}
	return data, nil
}

// WriteFile writes cfg to path. An existing file is kept as path.back first.
func WriteFile(path string, cfg *Config) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "create config dir for %s", path)
	}

	if content, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".back", content, DefaultFilePermissions); err != nil {
			return errors.Wrap(err, "failed to back up existing config")
		}
	}

	header := []byte("# scraperd configuration\n")
	if err := os.WriteFile(path, append(header, data...), DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}
