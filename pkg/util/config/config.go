// Package config implements the JSON-backed raw configuration object used
// across shardstore, in the shape of cubefs's util/config: a map of
// interface{} values reached through typed accessors. Typed, validated
// config structs (OSDConfig, ClusterConfig) are layered on top in
// typed.go using gopkg.in/go-playground/validator.v9.
package config

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"strconv"
	"unicode/utf8"
)

const (
	commentMarker rune = '#'
	quoteMarker   rune = '"'
)

type Config struct {
	data map[string]interface{}
	Raw  []byte
}

func newConfig() *Config {
	return &Config{data: make(map[string]interface{})}
}

// LoadFile loads configuration from a JSON file that may contain
// line comments starting with '#' outside of quoted strings.
func LoadFile(filename string) (*Config, error) {
	c := newConfig()
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return c, c.parseBytes(raw)
}

// LoadString loads configuration from a raw JSON string, for tests.
func LoadString(s string) (*Config, error) {
	c := newConfig()
	return c, c.parseBytes([]byte(s))
}

func (c *Config) parseBytes(raw []byte) error {
	trimmed := trimComments(raw)
	c.Raw = trimmed
	return json.Unmarshal(trimmed, &c.data)
}

func trimComments(data []byte) []byte {
	out := make([]byte, 0, len(data))
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		out = append(out, trimLineComment(scanner.Bytes())...)
	}
	return out
}

func trimLineComment(line []byte) []byte {
	out := make([]byte, 0, len(line))
	quotes := 0
	for len(line) > 0 {
		r, size := utf8.DecodeRune(line)
		if size == 0 {
			break
		}
		if r == commentMarker && quotes%2 == 0 {
			break
		}
		if r == quoteMarker {
			quotes++
		}
		out = append(out, line[:size]...)
		line = line[size:]
	}
	out = append(out, '\n')
	return out
}

func (c *Config) GetString(key string) string {
	if v, ok := c.data[key].(string); ok {
		return v
	}
	return ""
}

func (c *Config) GetBool(key string) bool {
	switch v := c.data[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

func (c *Config) GetBoolWithDefault(key string, def bool) bool {
	if _, ok := c.data[key]; !ok {
		return def
	}
	return c.GetBool(key)
}

func (c *Config) GetInt64(key string) int64 {
	switch v := c.data[key].(type) {
	case float64:
		return int64(v)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return n
		}
	}
	return 0
}

func (c *Config) GetInt64WithDefault(key string, def int64) int64 {
	if _, ok := c.data[key]; !ok {
		return def
	}
	return c.GetInt64(key)
}
