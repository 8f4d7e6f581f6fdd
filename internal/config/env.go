package config

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// LoadEnvFile loads KEY=value pairs from filename into the process
// environment. Existing variables are not overridden and a missing file is
// not an error.
func LoadEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	values, err := ParseEnvFile(file)
	if err != nil {
		return err
	}

	for key, value := range values {
		// Don't override existing env variables
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
	return nil
}

// ParseEnvFile parses KEY=value lines. Blank lines and # comments are
// skipped and surrounding quotes are removed from values.
func ParseEnvFile(r io.Reader) (map[string]string, error) {
	values := make(map[string]string)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		// Parse KEY=value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		if key != "" {
			values[key] = value
		}
	}

	return values, scanner.Err()
}
