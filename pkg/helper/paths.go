// Package helper resolves the on-disk locations cfgstream reads and writes
package helper

import (
	"os"
	"path/filepath"
)

const (
	// SystemConfigDir is the last place a relative config name is looked up
	SystemConfigDir = "/etc/cfgstream"
	// DefaultPIDPath is used when no usable PID location is configured
	DefaultPIDPath = "/var/run/cfgstream.pid"
)

// relative config names are searched in these directories, in order
var searchDirs = []string{".", "configs"}

// GetCfgPath returns the path to the configuration file. Absolute paths are
// returned as is. A relative name is looked up in the working directory and
// then ./configs, falling back to SystemConfigDir.
func GetCfgPath(filename string) string {
	if filename == "" {
		panic("filename cannot be empty")
	}
	if filepath.IsAbs(filename) {
		return filename
	}
	if path, ok := findExisting(filename); ok {
		return path
	}
	return filepath.Join(SystemConfigDir, filename)
}

// GetPIDPath returns where the PID file is written. A relative name lands in
// the working directory as long as its parent directory exists.
func GetPIDPath(filename string) string {
	if filename == "" {
		return DefaultPIDPath
	}
	if filepath.IsAbs(filename) {
		return filename
	}
	abs, err := filepath.Abs(filename)
	if err != nil {
		return DefaultPIDPath
	}
	if _, err := os.Stat(filepath.Dir(abs)); err != nil {
		return DefaultPIDPath
	}
	return abs
}

func findExisting(filename string) (string, bool) {
	for _, dir := range searchDirs {
		abs, err := filepath.Abs(filepath.Join(dir, filename))
		if err != nil {
			continue
		}
		if _, err := os.Stat(abs); err == nil {
			return abs, true
		}
	}
	return "", false
}
