// Package acache holds application-wide defaults shared by the answercache packages.
package acache

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName = "answercache"

	// Cache file base names, one file per external-call domain.
	ModelCacheName         = "model_request_cache"
	WolframAnswerCacheName = "wolfram_alpha_answer_cache"
	WolframErrorCacheName  = "wolfram_alpha_error_cache"

	MiB = 1024 * 1024
)

var (
	DefaultDataDir    = defaultDataDir()
	DefaultConfigPath = defaultConfigPath()
)

// defaultDataDir follows the XDG base directory layout, falling back to the
// working directory when no home directory is known.
func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, DefaultAppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "."+DefaultAppName)
	}
	return filepath.Join(home, ".local", "share", DefaultAppName)
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "."+DefaultAppName)
	}
	return filepath.Join(dir, DefaultAppName)
}
