package world

import (
	"regexp"

	"github.com/joho/godotenv"
)

// WorkingDirectoryVar is the world variable consulted by shell_cmd when
// no explicit directory argument is given.
const WorkingDirectoryVar = "working_directory"

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// ParseVariables parses the world's dotenv-style variables text.
// Invalid text yields an empty map rather than an error: variables are
// advisory and must not block message processing.
func ParseVariables(text string) map[string]string {
	if text == "" {
		return map[string]string{}
	}
	vars, err := godotenv.Unmarshal(text)
	if err != nil {
		return map[string]string{}
	}
	return vars
}

// Interpolate replaces {{var}} placeholders in s with values from vars.
// Unknown placeholders are left intact so prompt authors can spot them.
func Interpolate(s string, vars map[string]string) string {
	if s == "" || len(vars) == 0 {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}
