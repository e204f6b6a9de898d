package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// envRefRegex matches ${VAR}, ${VAR:-default}, ${VAR:?message} and the
// escape form $${VAR}.
var envRefRegex = regexp.MustCompile(`\$?\$\{([^}]*)\}`)

// SubstituteEnvVars replaces environment variable references in config
// content before it is parsed as YAML. Supported forms:
//
//	${VAR}          value of VAR, empty if unset
//	${VAR:-default} value of VAR, default if unset or empty
//	${VAR:?message} value of VAR, error if unset or empty
//	$${VAR}         literal ${VAR}
func SubstituteEnvVars(content string) (string, error) {
	var substErr error

	out := envRefRegex.ReplaceAllStringFunc(content, func(ref string) string {
		if strings.HasPrefix(ref, "$$") {
			return ref[1:] // escaped, emit literally without the extra $
		}
		expr := ref[2 : len(ref)-1]

		if name, msg, ok := splitOnce(expr, ":?"); ok {
			if v := os.Getenv(name); v != "" {
				return v
			}
			if msg == "" {
				msg = fmt.Sprintf("required environment variable %s is not set", name)
			}
			if substErr == nil {
				substErr = fmt.Errorf("%s", msg)
			}
			return ""
		}

		if name, def, ok := splitOnce(expr, ":-"); ok {
			if v := os.Getenv(name); v != "" {
				return v
			}
			return def
		}

		return os.Getenv(expr)
	})

	if substErr != nil {
		return "", substErr
	}
	return out, nil
}

func splitOnce(s, sep string) (before, after string, found bool) {
	idx := strings.Index(s, sep)
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(s[:idx]), strings.TrimSpace(s[idx+len(sep):]), true
}
