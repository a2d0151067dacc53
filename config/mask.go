package config

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// mask replaces the second half of s with asterisks.
func mask(s string) string {
	l := len(s)
	if l == 0 {
		return s
	}
	if l == 1 {
		return "*"
	}
	h := l / 2
	return s[0:h] + strings.Repeat("*", l-h)
}

var (
	isURL         = regexp.MustCompile(`^(\w+)://`)
	passwordParam = regexp.MustCompile(`(?i)(password\s*=\s*)('[^']*'|\S+)`)
)

// MaskDSN returns dsn with credentials hidden, for logging. URL forms have
// the user, password and query values masked; key=value forms have the
// password masked. File paths are returned unchanged.
func MaskDSN(dsn string) string {
	if !isURL.MatchString(dsn) {
		return passwordParam.ReplaceAllStringFunc(dsn, func(m string) string {
			parts := passwordParam.FindStringSubmatch(m)
			return parts[1] + mask(strings.Trim(parts[2], "'"))
		})
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return mask(dsn)
	}
	var str strings.Builder
	str.WriteString(u.Scheme)
	str.WriteString("://")
	if u.User != nil {
		str.WriteString(mask(u.User.Username()))
		if pass, ok := u.User.Password(); ok {
			str.WriteString(":")
			str.WriteString(mask(pass))
		}
		str.WriteString("@")
	}
	str.WriteString(u.Host)
	str.WriteString(u.Path)
	var qs []string
	for k, v := range u.Query() {
		qs = append(qs, fmt.Sprintf("%s=%s", k, mask(strings.Join(v, ","))))
	}
	sort.Strings(qs)
	if len(qs) > 0 {
		str.WriteString("?")
		str.WriteString(strings.Join(qs, "&"))
	}
	return str.String()
}
