package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/kkyr/fig"
)

const (
	EnvPrefix = "FILMBOT"
	FileName  = "config.yaml"
)

// LoadConfig loads a configuration file into the given struct.
// The path param specifies a custom path to the configuration file,
// either a directory or the file itself.
// Reads and puts environment variables with the prefix FILMBOT_.
// Params from the config should be in uppercase separated with _.
// A missing file is not an error, defaults and env are used then.
func LoadConfig(config any, path string) error {
	name, dirs := FileName, []string{path}
	if path == "" {
		dirs = append(dirs[:0], ".", "configs", "../../configs")
		if home, err := os.UserHomeDir(); err == nil {
			dirs = append(dirs, filepath.Join(home, ".filmbot"))
		}
	} else if filepath.Ext(path) != "" {
		name, dirs = filepath.Base(path), []string{filepath.Dir(path)}
	}
	err := fig.Load(config, fig.File(name), fig.Dirs(dirs...), fig.UseEnv(EnvPrefix))
	if errors.Is(err, fig.ErrFileNotFound) {
		return LoadConfigEnv(config)
	}
	return err
}

func LoadConfigEnv(config any) error {
	return fig.Load(config, fig.IgnoreFile(), fig.UseEnv(EnvPrefix))
}
