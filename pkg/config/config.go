// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads trap policies and exit replay scripts.
//
// Files are TOML or YAML, chosen by extension. Unknown keys are rejected.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format is a file format.
type Format int

// Formats.
const (
	TOML Format = iota
	YAML
)

// String implements fmt.Stringer.String.
func (f Format) String() string {
	switch f {
	case TOML:
		return "toml"
	case YAML:
		return "yaml"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// FormatOf returns the format of path by extension.
func FormatOf(path string) (Format, error) {
	switch filepath.Ext(path) {
	case ".toml":
		return TOML, nil
	case ".yaml", ".yml":
		return YAML, nil
	default:
		return 0, fmt.Errorf("%s: unknown file format, want .toml, .yaml or .yml", path)
	}
}

// Decode decodes r in format f into v.
func Decode(r io.Reader, f Format, v any) error {
	switch f {
	case TOML:
		md, err := toml.NewDecoder(r).Decode(v)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) != 0 {
			return fmt.Errorf("unknown keys %v", undecoded)
		}
		return nil
	case YAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(v); err != nil && err != io.EOF {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown format %v", f)
	}
}

// DecodeFile decodes the file at path into v.
func DecodeFile(path string, v any) error {
	f, err := FormatOf(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := Decode(bytes.NewReader(data), f, v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
