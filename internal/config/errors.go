package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigurationError describes a config.yaml that could not be decoded,
// with the line of the problem when yaml reports one.
type ConfigurationError struct {
	FilePath    string   `json:"filePath"`
	FileName    string   `json:"fileName"`
	ErrorType   string   `json:"errorType"`
	Message     string   `json:"message"`
	LineNumber  int      `json:"lineNumber,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (ce ConfigurationError) Error() string {
	if ce.LineNumber > 0 {
		return fmt.Sprintf("%s:%d: %s", ce.FileName, ce.LineNumber, ce.Message)
	}
	return fmt.Sprintf("%s: %s", ce.FileName, ce.Message)
}

// DetailedError renders the error over several lines for terminal output.
func (ce ConfigurationError) DetailedError() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Configuration Error in %s\n", ce.FileName)
	fmt.Fprintf(&b, "  File: %s\n", ce.FilePath)
	fmt.Fprintf(&b, "  Type: %s\n", ce.ErrorType)
	if ce.LineNumber > 0 {
		fmt.Fprintf(&b, "  Line: %d\n", ce.LineNumber)
	}
	fmt.Fprintf(&b, "  Error: %s", ce.Message)
	if len(ce.Suggestions) > 0 {
		b.WriteString("\n  Suggestions:")
		for _, s := range ce.Suggestions {
			fmt.Fprintf(&b, "\n    - %s", s)
		}
	}
	return b.String()
}

// IsConfigurationError checks if an error is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce ConfigurationError
	return errors.As(err, &ce)
}

var linePattern = regexp.MustCompile(`line (\d+)`)

func newParseError(path string, err error) ConfigurationError {
	ce := ConfigurationError{
		FilePath:  path,
		FileName:  filepath.Base(path),
		ErrorType: "parse",
		Message:   err.Error(),
	}

	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) && len(typeErr.Errors) > 0 {
		ce.Message = strings.Join(typeErr.Errors, "; ")
	}
	if m := linePattern.FindStringSubmatch(ce.Message); m != nil {
		ce.LineNumber, _ = strconv.Atoi(m[1])
	}

	switch {
	case strings.Contains(ce.Message, "not found in type"):
		ce.Suggestions = append(ce.Suggestions, "Remove the unknown key or check its spelling")
	case strings.Contains(ce.Message, "duration"):
		ce.Suggestions = append(ce.Suggestions, `Write durations as Go duration strings such as "30s" or "5m"`)
	default:
		ce.Suggestions = append(ce.Suggestions, "Check the YAML indentation and syntax")
	}
	return ce
}
