// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/captionlab/captrain/ml/train/failures"
	"github.com/pkg/errors"
)

// KeySeparator separates the levels of nested settings, e.g. "model/hidden_dim".
const KeySeparator = "/"

// setting is one leaf value of a configuration struct.
type setting struct {
	key   string
	value reflect.Value
}

// settingsOf lists the settings of target, which must be a pointer to a struct. Keys are taken from the "yaml"
// tags of the fields (or the lower-cased field name), and nested structs are flattened with KeySeparator.
func settingsOf(target any) ([]setting, error) {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return nil, errors.Errorf("settings target must be a non-nil pointer to a struct, got %T", target)
	}
	var settings []setting
	var walk func(prefix string, v reflect.Value)
	walk = func(prefix string, v reflect.Value) {
		t := v.Type()
		for ii := range t.NumField() {
			field := t.Field(ii)
			if !field.IsExported() {
				continue
			}
			key, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
			if key == "-" {
				continue
			}
			if key == "" {
				key = strings.ToLower(field.Name)
			}
			key = prefix + key
			if field.Type.Kind() == reflect.Struct {
				walk(key+KeySeparator, v.Field(ii))
				continue
			}
			settings = append(settings, setting{key: key, value: v.Field(ii)})
		}
	}
	walk("", v.Elem())
	return settings, nil
}

// findSetting by its full key or, if unique, by the last part of its key.
func findSetting(settings []setting, key string) (setting, error) {
	key = strings.TrimPrefix(key, KeySeparator)
	var matches []setting
	for _, s := range settings {
		if s.key == key {
			return s, nil
		}
		if !strings.Contains(key, KeySeparator) && strings.HasSuffix(s.key, KeySeparator+key) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return setting{}, failures.Configurationf("unknown setting %q", key)
	case 1:
		return matches[0], nil
	}
	keys := make([]string, 0, len(matches))
	for _, s := range matches {
		keys = append(keys, s.key)
	}
	return setting{}, failures.Configurationf("setting %q is ambiguous, use one of %q", key, keys)
}

// parseValue parses valueStr into a new value of type t.
func parseValue(t reflect.Type, valueStr string) (reflect.Value, error) {
	value := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.String:
		value.SetString(valueStr)
		return value, nil
	case reflect.Slice:
		if valueStr == "" {
			return reflect.MakeSlice(t, 0, 0), nil
		}
		parts := strings.Split(valueStr, ",")
		value = reflect.MakeSlice(t, len(parts), len(parts))
		for ii, part := range parts {
			elem, err := parseValue(t.Elem(), part)
			if err != nil {
				return value, err
			}
			value.Index(ii).Set(elem)
		}
		return value, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		// Allow "_" as a digits separator, like in Go: 1_000_000.
		valueStr = strings.ReplaceAll(valueStr, "_", "")
	case reflect.Float32, reflect.Float64, reflect.Bool:
	default:
		return value, errors.Errorf("don't know how to parse type %s", t)
	}
	err := json.Unmarshal([]byte(valueStr), value.Addr().Interface())
	return value, err
}

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "batch_size=32;model/hidden_dim=128;...".
//
// The target must be a pointer to a configuration struct, like config.Config. Keys are the YAML keys of the
// fields, with nested structs separated by "/". The last part of a nested key can be used alone if it is
// unique, e.g. "hidden_dim=128". The current values define the type to which the string values are parsed.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000. Slices are given as comma separated values.
//
// It returns an error wrapping failures.ErrConfiguration in case a key is unknown or the parsing failed.
//
// Example usage:
//
//	cfg, err := config.Load(configPath)
//	if err != nil { ... }
//	if err = commandline.ParseSettings(cfg, settings); err != nil { ... }
//	klog.V(1).Info(commandline.SprintSettings(cfg))
func ParseSettings(target any, settings string) error {
	all, err := settingsOf(target)
	if err != nil {
		return err
	}
	for _, entry := range strings.Split(settings, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, valueStr, found := strings.Cut(entry, "=")
		if !found {
			return failures.Configurationf("can't parse settings %q: each setting requires the format \"<key>=<value>\", got %q",
				settings, entry)
		}
		s, err := findSetting(all, strings.TrimSpace(key))
		if err != nil {
			return err
		}
		value, err := parseValue(s.value.Type(), valueStr)
		if err != nil {
			return failures.Configurationf("failed to parse value %q for setting %q (current value is %#v): %v",
				valueStr, s.key, s.value.Interface(), err)
		}
		s.value.Set(value)
	}
	return nil
}

// SettingsUsage returns the description of a settings flag, listing the keys of target and their current values.
func SettingsUsage(target any) string {
	all, err := settingsOf(target)
	if err != nil {
		return err.Error()
	}
	parts := []string{fmt.Sprintf(
		`Set configuration values, overriding the configuration file. `+
			`It should be a list of elements "key=value" separated by ";". `+
			`Nested keys are separated by %q. `+
			`Current available keys that can be set:`,
		KeySeparator)}
	for _, s := range all {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", s.key, s.value.Interface()))
	}
	return strings.Join(parts, "\n")
}

// SprintSettings pretty-print values for the current settings into a string.
func SprintSettings(target any) string {
	all, err := settingsOf(target)
	if err != nil {
		return err.Error()
	}
	parts := []string{"Settings:"}
	for _, s := range all {
		parts = append(parts, fmt.Sprintf("%q: (%s) %v", s.key, s.value.Type(), s.value.Interface()))
	}
	return strings.Join(parts, "\n\t")
}
