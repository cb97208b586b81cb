// Package collector discovers and tails local log files, emitting LogEvents
// for the detection pipeline.
package collector

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// categoryPaths is the static category → candidate path map used by
// Discover. A path containing "*" is treated as a glob.
var categoryPaths = map[string][]string{
	"ssh": {
		"/var/log/auth.log", // Debian/Ubuntu
		"/var/log/secure",   // RHEL/CentOS
	},
	"nginx": {
		"/var/log/nginx/access.log",
		"/var/log/nginx/error.log",
	},
	"apache": {
		"/var/log/apache2/access.log",
		"/var/log/httpd/access_log",
	},
	"system": {
		"/var/log/syslog",
		"/var/log/messages",
	},
	"kernel": {
		"/var/log/kern.log",
	},
	"firewall": {
		"/var/log/ufw.log",
	},
}

// Discover finds active log files on the system, returning a map of
// category ("ssh", "nginx", ...) to the list of matching paths. Categories
// with zero hits are omitted from the result.
func Discover() (map[string][]string, error) {
	discovered := make(map[string][]string)

	for category, candidates := range categoryPaths {
		var found []string
		for _, candidate := range candidates {
			if strings.Contains(candidate, "*") {
				dir, pattern, ok := splitGlob(candidate)
				if !ok {
					continue
				}
				matches, err := doublestar.FilepathGlob(filepath.Join(dir, pattern))
				if err != nil {
					continue
				}
				found = append(found, matches...)
				continue
			}
			if _, err := os.Stat(candidate); err == nil {
				found = append(found, candidate)
			}
		}
		if len(found) > 0 {
			discovered[category] = found
		}
	}

	return discovered, nil
}

// splitGlob splits a path containing "*" into a directory prefix (the part
// before the first "*") and a doublestar glob pattern relative to it.
func splitGlob(path string) (dir, pattern string, ok bool) {
	idx := strings.Index(path, "*")
	if idx < 0 {
		return "", "", false
	}
	prefix := path[:idx]
	dir = filepath.Dir(prefix)
	rest := strings.TrimPrefix(path, dir)
	rest = strings.TrimPrefix(rest, string(filepath.Separator))
	return dir, rest, true
}
