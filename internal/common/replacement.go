// Package common provides {NAME} reference expansion for seed files.
//
// Seed files must not carry provider keys in the clear, so string values may
// reference environment variables:
//
//	Input:  key = "{GEMINI_API_KEY}"
//	Env:    GEMINI_API_KEY=AIza...
//	Output: key = "AIza..."
//
// Missing references are left unchanged and logged.
package common

import (
	"fmt"
	"os"
	"reflect"
	"regexp"

	"github.com/ternarybob/arbor"
)

// keyRefPattern matches {NAME} references. Names allow alphanumerics,
// hyphens and underscores.
var keyRefPattern = regexp.MustCompile(`\{([a-zA-Z0-9_-]+)\}`)

// LookupFunc resolves a reference name
type LookupFunc func(name string) (string, bool)

// EnvLookup resolves references from the process environment
func EnvLookup(name string) (string, bool) {
	return os.LookupEnv(name)
}

// MapLookup resolves references from a fixed map
func MapLookup(values map[string]string) LookupFunc {
	return func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	}
}

// ReplaceKeyReferences replaces every {NAME} in input that lookup resolves
func ReplaceKeyReferences(input string, lookup LookupFunc, logger arbor.ILogger) string {
	if input == "" {
		return input
	}
	return keyRefPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := match[1 : len(match)-1]
		if value, ok := lookup(name); ok {
			return value
		}
		logger.Warn().
			Str("reference", match).
			Msg("Unresolved key reference")
		return match
	})
}

// HasUnresolvedReference reports whether s still contains a {NAME} reference
func HasUnresolvedReference(s string) bool {
	return keyRefPattern.MatchString(s)
}

// ReplaceInStruct walks a struct pointer and expands references in string
// fields, string slices, nested structs and slices of structs.
func ReplaceInStruct(v interface{}, lookup LookupFunc, logger arbor.ILogger) error {
	val := reflect.ValueOf(v)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("ReplaceInStruct requires a struct pointer, got %T", v)
	}
	replaceInValue(val.Elem(), lookup, logger)
	return nil
}

func replaceInValue(val reflect.Value, lookup LookupFunc, logger arbor.ILogger) {
	switch val.Kind() {
	case reflect.String:
		if val.CanSet() {
			val.SetString(ReplaceKeyReferences(val.String(), lookup, logger))
		}
	case reflect.Struct:
		for i := 0; i < val.NumField(); i++ {
			if val.Field(i).CanSet() {
				replaceInValue(val.Field(i), lookup, logger)
			}
		}
	case reflect.Ptr:
		if !val.IsNil() {
			replaceInValue(val.Elem(), lookup, logger)
		}
	case reflect.Slice:
		for i := 0; i < val.Len(); i++ {
			replaceInValue(val.Index(i), lookup, logger)
		}
	}
}
