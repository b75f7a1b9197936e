package util

import (
	"os"
	"path/filepath"
)

// userDir is ~/.config/tusk, the fallback location for the config file and
// the database.
func userDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", Name), nil
}

// lookupFile finds name in the working directory or the user directory. ok is
// false when neither holds it; path then points into the user directory.
func lookupFile(name string) (path string, ok bool) {
	if filepath.IsAbs(name) {
		_, err := os.Stat(name)
		return name, err == nil
	}
	if _, err := os.Stat(name); err == nil {
		return name, true
	}
	dir, err := userDir()
	if err != nil {
		return name, false
	}
	path = filepath.Join(dir, name)
	_, err = os.Stat(path)
	return path, err == nil
}

// ResolveFilePath returns where a data file such as the database lives.
// Absolute paths and files present in the working directory are used as is;
// anything else goes to ~/.config/tusk, which is created for it.
func ResolveFilePath(name string) string {
	path, ok := lookupFile(name)
	if ok || path == name {
		return path
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return name
	}
	return path
}
