// Package logparse turns raw log lines into structured ParsedEvents, one
// parser per log source type.
package logparse

import (
	"regexp"
	"strings"
	"time"
)

// ParsedEvent is a structured representation of one log line.
type ParsedEvent struct {
	Source    string
	Type      string
	Timestamp time.Time
	Raw       string
	Data      map[string]any
}

// Parser turns a raw line and its ingestion timestamp into a ParsedEvent.
// It returns ok=false when the line does not match this parser's format.
type Parser func(line string, timestamp time.Time) (ParsedEvent, bool)

// Select returns the Parser appropriate for a log source path, using the
// same path heuristic as the detection pipeline this package is modeled on:
// paths containing "nginx" use ParseNginx, paths containing "auth.log" or
// "secure" use ParseSSH, everything else falls back to ParseGeneric.
func Select(path string) Parser {
	switch {
	case strings.Contains(path, "nginx"):
		return ParseNginx
	case strings.Contains(path, "auth.log"), strings.Contains(path, "secure"):
		return ParseSSH
	default:
		return ParseGeneric
	}
}

// combinedLogPattern matches the Combined Log Format used by nginx/apache
// access logs, e.g.:
//
//	127.0.0.1 - - [10/Oct/2020:13:55:36 -0700] "GET /x HTTP/1.0" 200 2326 "http://ref" "UA"
var combinedLogPattern = regexp.MustCompile(
	`^(?P<remote_addr>[\d.]+) - (?P<remote_user>\S+) \[(?P<time_local>[^\]]+)\] "(?P<request>[^"]+)" (?P<status>\d+) (?P<body_bytes_sent>\d+) "(?P<http_referer>[^"]+)" "(?P<http_user_agent>[^"]+)"`,
)

// ParseNginx parses a Combined Log Format line. The event timestamp is the
// ingestion time passed in, not the parsed time_local field.
func ParseNginx(line string, timestamp time.Time) (ParsedEvent, bool) {
	match := combinedLogPattern.FindStringSubmatch(line)
	if match == nil {
		return ParsedEvent{}, false
	}

	data := namedGroups(combinedLogPattern, match)

	if parts := strings.Fields(data["request"].(string)); len(parts) >= 2 {
		data["method"] = parts[0]
		data["path"] = parts[1]
		if len(parts) > 2 {
			data["protocol"] = parts[2]
		} else {
			data["protocol"] = ""
		}
	}

	return ParsedEvent{
		Source:    "nginx",
		Type:      "access",
		Timestamp: timestamp,
		Raw:       line,
		Data:      data,
	}, true
}

// sshPatterns are tried in order; the first match wins. The failed-password
// and disconnect patterns accept an optional "invalid user " prefix before
// the user name; the accepted-password pattern does not.
var sshPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Failed password for (invalid user )?(?P<user>\S+) from (?P<ip>[\d.]+) port \d+ ssh2`),
	regexp.MustCompile(`Disconnected from (invalid user )?(?P<user>\S+) (?P<ip>[\d.]+) port \d+ \[preauth\]`),
	regexp.MustCompile(`Accepted password for (?P<user>\S+) from (?P<ip>[\d.]+) port \d+ ssh2`),
}

// ParseSSH parses sshd auth-log lines. Lines that do not contain "sshd["
// are rejected immediately; of the remainder, only lines matching one of
// the known failed/disconnect/accepted patterns produce an event.
func ParseSSH(line string, timestamp time.Time) (ParsedEvent, bool) {
	if !strings.Contains(line, "sshd[") {
		return ParsedEvent{}, false
	}

	for _, pattern := range sshPatterns {
		match := pattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		return ParsedEvent{
			Source:    "ssh",
			Type:      "auth",
			Timestamp: timestamp,
			Raw:       line,
			Data:      namedGroups(pattern, match),
		}, true
	}

	return ParsedEvent{}, false
}

// ParseGeneric always succeeds, wrapping the raw line as the event message.
// It is the fallback parser for sources with no dedicated format.
func ParseGeneric(line string, timestamp time.Time) (ParsedEvent, bool) {
	return ParsedEvent{
		Source:    "generic",
		Type:      "generic",
		Timestamp: timestamp,
		Raw:       line,
		Data:      map[string]any{"message": line},
	}, true
}

// namedGroups builds a map of named capture group -> matched value for a
// regexp/match pair, skipping the unnamed (index 0 and "") groups.
func namedGroups(pattern *regexp.Regexp, match []string) map[string]any {
	data := make(map[string]any, len(match))
	for i, name := range pattern.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		data[name] = match[i]
	}
	return data
}
