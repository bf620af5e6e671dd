package boot

import (
	"fmt"
	"strings"
)

// SetVar replaces every KEY= line in an /etc/default/grub document, or
// appends one when the key is missing. Commented lines are left alone.
func SetVar(content, key, value string) string {
	line := fmt.Sprintf("%s=%s", key, value)
	lines := splitLines(content)
	found := false
	for i, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), key+"=") {
			lines[i] = line
			found = true
		}
	}
	if !found {
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n") + "\n"
}

// GetVar returns the unquoted value of KEY, if set.
func GetVar(content, key string) (string, bool) {
	for _, l := range splitLines(content) {
		l = strings.TrimSpace(l)
		if v, ok := strings.CutPrefix(l, key+"="); ok {
			return strings.Trim(v, `"'`), true
		}
	}
	return "", false
}

// EnsureParams adds each param to the quoted value of key unless present.
func EnsureParams(content, key string, params ...string) string {
	cur, _ := GetVar(content, key)
	fields := strings.Fields(cur)
	for _, p := range params {
		if !contains(fields, p) {
			fields = append(fields, p)
		}
	}
	return SetVar(content, key, quote(strings.Join(fields, " ")))
}

// RemoveParams drops each param from the quoted value of key.
func RemoveParams(content, key string, params ...string) string {
	cur, ok := GetVar(content, key)
	if !ok {
		return content
	}
	var kept []string
	for _, f := range strings.Fields(cur) {
		if !contains(params, f) {
			kept = append(kept, f)
		}
	}
	return SetVar(content, key, quote(strings.Join(kept, " ")))
}

// ReplaceParam drops every param starting with prefix, then appends param.
func ReplaceParam(content, key, prefix, param string) string {
	cur, _ := GetVar(content, key)
	var kept []string
	for _, f := range strings.Fields(cur) {
		if !strings.HasPrefix(f, prefix) {
			kept = append(kept, f)
		}
	}
	kept = append(kept, param)
	return SetVar(content, key, quote(strings.Join(kept, " ")))
}

func quote(s string) string { return `"` + s + `"` }

func splitLines(content string) []string {
	content = strings.TrimRight(content, "\n")
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
