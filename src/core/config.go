package core

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Configs holds the parse-time configuration supplied by the parent process.
// Values arrive from a JSON file and may not be strings; they are coerced to
// strings on first read and the coerced value is cached.
type Configs struct {
	values map[configKey]interface{}
}

type configKey struct {
	section, field string
}

// NewConfigs creates a Configs from a section -> field -> value mapping.
func NewConfigs(raw map[string]map[string]interface{}) *Configs {
	c := &Configs{values: map[configKey]interface{}{}}
	for section, fields := range raw {
		for field, value := range fields {
			c.values[configKey{section, field}] = value
		}
	}
	return c
}

// LoadConfigs reads the config file given to us on the command line.
func LoadConfigs(filename string) (*Configs, error) {
	if filename == "" {
		return NewConfigs(nil), nil
	}
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	raw := map[string]map[string]interface{}{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	return NewConfigs(raw), nil
}

// Get returns the configured value for the given section & field.
// The second return is false when the key is not configured at all.
func (c *Configs) Get(section, field string) (string, bool) {
	key := configKey{section, field}
	value, present := c.values[key]
	if !present {
		return "", false
	}
	s, ok := value.(string)
	if !ok {
		s = coerceConfigValue(value)
		c.values[key] = s
	}
	return s, true
}

func coerceConfigValue(value interface{}) string {
	switch v := value.(type) {
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// LoadIgnorePaths reads the ignore-paths file, a JSON list of glob strings.
// A pattern without any wildcard characters is implicitly suffixed with /**.
func LoadIgnorePaths(filename string) ([]string, error) {
	if filename == "" {
		return nil, nil
	}
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read ignore paths file: %w", err)
	}
	var raw []string
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse ignore paths file %s: %w", filename, err)
	}
	patterns := make([]string, len(raw))
	for i, pattern := range raw {
		patterns[i] = makeGlob(pattern)
	}
	return patterns, nil
}

func makeGlob(pattern string) string {
	if strings.ContainsAny(pattern, "*?[") {
		return pattern
	}
	return pattern + "/**"
}
