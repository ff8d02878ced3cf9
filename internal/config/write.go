package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	configFilePermissions = 0o600
	configDirPermissions  = 0o700
)

// SetKey writes key = value into [section] of the config file at path,
// editing lines in place so comments and layout survive. A missing file or
// section is created. Booleans and numbers are written bare, anything else
// as a quoted string.
func SetKey(path, section, key, value string) error {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading config file: %w", err)
	}

	var lines []string
	if len(data) > 0 {
		lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	}

	newLine := fmt.Sprintf("%s = %s", key, formatTOMLValue(value))

	header := findSectionHeader(lines, section)
	if header < 0 {
		if len(lines) > 0 {
			lines = append(lines, "")
		}

		lines = append(lines, "["+section+"]", newLine)
	} else {
		lines = setKeyInSection(lines, header, key, newLine)
	}

	return atomicWriteFile(path, []byte(strings.Join(lines, "\n")+"\n"))
}

// findSectionHeader returns the line index of [section], or -1.
func findSectionHeader(lines []string, section string) int {
	header := "[" + section + "]"

	for i, line := range lines {
		if strings.TrimSpace(line) == header {
			return i
		}
	}

	return -1
}

// findSectionEnd returns the index after the last content line of the
// section starting below header. Blank and comment lines before the next
// header belong to that header.
func findSectionEnd(lines []string, header int) int {
	next := len(lines)

	for i := header + 1; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "[") {
			next = i
			break
		}
	}

	end := next
	for end > header+1 {
		trimmed := strings.TrimSpace(lines[end-1])
		if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			break
		}

		end--
	}

	return end
}

// setKeyInSection replaces the key's line inside the section or inserts it
// right after the header.
func setKeyInSection(lines []string, header int, key, newLine string) []string {
	end := findSectionEnd(lines, header)

	for i := header + 1; i < end; i++ {
		name, _, ok := strings.Cut(strings.TrimSpace(lines[i]), "=")
		if ok && strings.TrimSpace(name) == key {
			lines[i] = newLine
			return lines
		}
	}

	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:header+1]...)
	out = append(out, newLine)
	out = append(out, lines[header+1:]...)

	return out
}

func formatTOMLValue(value string) string {
	if value == "true" || value == "false" {
		return value
	}

	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return value
	}

	return fmt.Sprintf("%q", value)
}

// atomicWriteFile replaces path with data through a temp file in the same
// directory so a crash never leaves a truncated config behind.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
