package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// DotEnvLoader implements Provider by loading .env file(s) into the process
// environment before reading the YAML config, so credentials can live in a
// local .env instead of the config file.
type DotEnvLoader struct {
	*FileLoader
	envFiles []string
}

// NewDotEnvLoader creates a configuration loader with .env file support.
// Defaults to ".env" in the current directory if no files are given.
func NewDotEnvLoader(configPath string, envFiles ...string) Provider {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}

	return &DotEnvLoader{
		FileLoader: &FileLoader{path: configPath, envLoader: &OSEnvLoader{}},
		envFiles:   envFiles,
	}
}

// Load loads .env file(s) into the environment, then loads the YAML config.
func (d *DotEnvLoader) Load() (*Config, error) {
	existingFiles := []string{}
	for _, envFile := range d.envFiles {
		if _, err := os.Stat(envFile); err == nil {
			existingFiles = append(existingFiles, envFile)
		}
	}

	// Overload so .env values win over stale exported variables.
	if len(existingFiles) > 0 {
		if err := godotenv.Overload(existingFiles...); err != nil {
			absPath := existingFiles[0]
			if len(existingFiles) > 1 {
				absPath = "multiple files: " + strings.Join(existingFiles, ", ")
			}
			return nil, NewEnvFileError(absPath, err)
		}
	}

	return d.FileLoader.Load()
}

// EnvFileError represents an error loading a .env file
type EnvFileError struct {
	FilePath string
	Err      error
}

func NewEnvFileError(filePath string, err error) *EnvFileError {
	return &EnvFileError{
		FilePath: filePath,
		Err:      err,
	}
}

func (e *EnvFileError) Error() string {
	return "failed to load .env file '" + e.FilePath + "': " + e.Err.Error()
}

func (e *EnvFileError) Unwrap() error {
	return e.Err
}
