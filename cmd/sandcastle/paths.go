package main

import (
	"os"
	"path/filepath"

	"github.com/benaskins/sandcastle/internal/config"
)

// sandcastleHome returns ~/.sandcastle, creating it if needed.
func sandcastleHome() (string, error) {
	dir := config.Dir()
	if dir == "" {
		return "", os.ErrNotExist
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

func defaultSocketPath() string {
	dir := config.Dir()
	if dir == "" {
		return "/tmp/sandcastle.sock"
	}
	return filepath.Join(dir, "sandcastle.sock")
}

func defaultLogDir() string {
	dir := config.Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "logs")
}
