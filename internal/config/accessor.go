package config

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Dotted paths such as "navigator.timeout" name config fields by their JSON
// keys. They back `navigatorbot config get|set|keys`.

// secretPaths hold credentials and are masked by Sanitize.
var secretPaths = []string{
	"channels.telegram.token",
	"channels.discord.token",
	"channels.slack.botToken",
	"channels.slack.appToken",
	"api.paymentSecret",
}

var durationType = reflect.TypeOf(Duration(0))

// GetByPath returns the value at path, either one key or a whole section.
func GetByPath(cfg *Config, path string) (any, error) {
	v, err := field(reflect.ValueOf(cfg).Elem(), path)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// SetByPath parses raw into the type of the key at path. Lists take
// comma-separated items; durations take "30s" or a number of seconds.
func SetByPath(cfg *Config, path, raw string) error {
	v, err := field(reflect.ValueOf(cfg).Elem(), path)
	if err != nil {
		return err
	}

	if v.Type() == durationType {
		var d Duration
		if err := d.parse(raw); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		v.Set(reflect.ValueOf(d))
		return nil
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%s: expected true or false, got %q", path, raw)
		}
		v.SetBool(b)
	case reflect.Int:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%s: expected an integer, got %q", path, raw)
		}
		v.SetInt(int64(n))
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("%s: unsupported list type %s", path, v.Type())
		}
		items := splitList(raw)
		list := reflect.MakeSlice(v.Type(), len(items), len(items))
		for i, item := range items {
			list.Index(i).SetString(item)
		}
		v.Set(list)
	case reflect.Struct:
		return fmt.Errorf("%s is a section, set one of its keys (see 'navigatorbot config keys')", path)
	default:
		return fmt.Errorf("%s: unsupported type %s", path, v.Type())
	}
	return nil
}

// Paths lists every settable key in sorted order.
func Paths() []string {
	var out []string
	collectPaths(reflect.TypeOf(Config{}), "", &out)
	sort.Strings(out)
	return out
}

// IsSecret reports whether path holds a credential.
func IsSecret(path string) bool {
	for _, p := range secretPaths {
		if strings.EqualFold(p, path) {
			return true
		}
	}
	return false
}

// Sanitize returns a copy of the config with credentials masked.
func Sanitize(cfg *Config) *Config {
	masked := *cfg
	root := reflect.ValueOf(&masked).Elem()
	for _, p := range secretPaths {
		v, err := field(root, p)
		if err != nil || v.String() == "" {
			continue
		}
		v.SetString(maskString(v.String()))
	}
	return &masked
}

// maskString keeps the first and last four characters of long secrets.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

func field(v reflect.Value, path string) (reflect.Value, error) {
	if strings.TrimSpace(path) == "" {
		return reflect.Value{}, fmt.Errorf("empty config path")
	}
	for _, key := range strings.Split(path, ".") {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("unknown config key %q", path)
		}
		i, ok := fieldIndex(v.Type(), key)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown config key %q", path)
		}
		v = v.Field(i)
	}
	return v, nil
}

func fieldIndex(t reflect.Type, key string) (int, bool) {
	for i := 0; i < t.NumField(); i++ {
		if strings.EqualFold(jsonName(t.Field(i)), key) {
			return i, true
		}
	}
	return 0, false
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" {
		return f.Name
	}
	return name
}

func collectPaths(t reflect.Type, prefix string, out *[]string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		path := jsonName(f)
		if prefix != "" {
			path = prefix + "." + path
		}
		if f.Type.Kind() == reflect.Struct {
			collectPaths(f.Type, path, out)
			continue
		}
		*out = append(*out, path)
	}
}

func splitList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
