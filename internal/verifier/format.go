package verifier

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-ini/ini"
	"gopkg.in/yaml.v3"
)

// Format names a structural parser.
type Format string

const (
	FormatNone Format = ""
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatINI  Format = "ini"
	FormatAuto Format = "auto"
)

// ParseFormat accepts the names above, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatNone, FormatJSON, FormatYAML, FormatTOML, FormatINI, FormatAuto:
		return f, nil
	default:
		return FormatNone, fmt.Errorf("unknown format %q", s)
	}
}

// DetectFormat picks a parser from the file extension. Unknown extensions
// return FormatNone.
func DetectFormat(filename string) Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	case ".ini", ".cfg":
		return FormatINI
	default:
		return FormatNone
	}
}

func parse(format Format, content []byte) ([]string, error) {
	switch format {
	case FormatJSON:
		var doc any
		dec := json.NewDecoder(bytes.NewReader(content))
		if err := dec.Decode(&doc); err != nil {
			return nil, err
		}
		if dec.More() {
			return nil, errors.New("trailing data after document")
		}
		return topLevelKeys(doc), nil
	case FormatYAML:
		var doc any
		if err := yaml.Unmarshal(content, &doc); err != nil {
			return nil, err
		}
		return topLevelKeys(doc), nil
	case FormatTOML:
		doc := map[string]any{}
		if err := toml.Unmarshal(content, &doc); err != nil {
			return nil, err
		}
		return topLevelKeys(doc), nil
	case FormatINI:
		cfg, err := ini.LoadSources(ini.LoadOptions{}, content)
		if err != nil {
			return nil, err
		}
		var sections []string
		for _, name := range cfg.SectionStrings() {
			if name == ini.DefaultSection {
				continue
			}
			sections = append(sections, name)
		}
		sort.Strings(sections)
		return sections, nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

func topLevelKeys(doc any) []string {
	m, ok := doc.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
