package config

import (
	"fmt"
	"strings"

	"github.com/cosiner/argv"
)

// SplitCommandLine splits s into words using shell quoting rules.
// Backticks and pipes are rejected.
func SplitCommandLine(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	v, err := argv.Argv(s,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", s)
	}
	return v[0], nil
}

// Split2PartsBySpace splits a string into 2 parts by the first space,
// trimming surrounding whitespace.
func Split2PartsBySpace(s string) []string {
	v := strings.SplitN(strings.TrimSpace(s), " ", 2)
	for i := range v {
		v[i] = strings.TrimSpace(v[i])
	}
	return v
}
