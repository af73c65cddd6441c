package plugins

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// SensitivePath flags a web path worth a defect when a fuzzer finds it
// reachable. Match is a substring of the lowercased path unless Regex is
// set.
type SensitivePath struct {
	Match       string `yaml:"match"`
	Regex       bool   `yaml:"regex"`
	Severity    string `yaml:"severity"`
	Description string `yaml:"description"`
	Category    string `yaml:"category"`

	re *regexp.Regexp
}

// Longer paths come first so the most specific description wins.
var builtinPaths = []SensitivePath{
	{Match: "/actuator/heapdump", Severity: "critical", Description: "Spring Boot heap dump", Category: "Configuration"},
	{Match: "/actuator/env", Severity: "critical", Description: "Spring Boot environment", Category: "Configuration"},
	{Match: "/actuator/mappings", Severity: "high", Description: "Spring Boot route mappings", Category: "Configuration"},
	{Match: "/actuator", Severity: "high", Description: "Spring Boot actuator", Category: "Configuration"},
	{Match: "/.env", Severity: "critical", Description: "Environment file", Category: "Configuration"},
	{Match: "/web.config", Severity: "critical", Description: "IIS configuration", Category: "Configuration"},
	{Match: "/wp-config.php.bak", Severity: "critical", Description: "WordPress configuration backup", Category: "Configuration"},
	{Match: "/application.properties", Severity: "high", Description: "Application properties", Category: "Configuration"},
	{Match: "/config.json", Severity: "high", Description: "JSON configuration", Category: "Configuration"},
	{Match: "/config.yml", Severity: "high", Description: "YAML configuration", Category: "Configuration"},
	{Match: "/config.yaml", Severity: "high", Description: "YAML configuration", Category: "Configuration"},

	{Match: "/.git/config", Severity: "critical", Description: "Git configuration", Category: "Source code"},
	{Match: "/.git", Severity: "critical", Description: "Git repository", Category: "Source code"},
	{Match: "/.svn", Severity: "critical", Description: "Subversion repository", Category: "Source code"},
	{Match: "/.ds_store", Severity: "medium", Description: "Finder metadata listing", Category: "Source code"},

	{Match: "/.aws/credentials", Severity: "critical", Description: "AWS credentials", Category: "Credentials"},
	{Match: "/.htpasswd", Severity: "critical", Description: "Apache password file", Category: "Credentials"},
	{Match: "/id_rsa", Severity: "critical", Description: "SSH private key", Category: "Credentials"},
	{Match: "/.ssh", Severity: "critical", Description: "SSH directory", Category: "Credentials"},
	{Match: "/credentials", Severity: "critical", Description: "Credentials file", Category: "Credentials"},

	{Match: "/backup.sql", Severity: "critical", Description: "Database backup", Category: "Database"},
	{Match: "/dump.sql", Severity: "critical", Description: "Database dump", Category: "Database"},
	{Match: ".sql", Severity: "critical", Description: "SQL file", Category: "Database"},

	{Match: "/manager/html", Severity: "critical", Description: "Tomcat manager", Category: "Administration"},
	{Match: "/phpmyadmin", Severity: "high", Description: "phpMyAdmin", Category: "Administration"},
	{Match: "/jenkins", Severity: "high", Description: "Jenkins", Category: "Administration"},
	{Match: "/console", Severity: "critical", Description: "Web console", Category: "Administration"},
	{Match: "/administrator", Severity: "high", Description: "Administration panel", Category: "Administration"},
	{Match: "/admin", Severity: "high", Description: "Administration panel", Category: "Administration"},

	{Match: "/v2/api-docs", Severity: "medium", Description: "Swagger API description", Category: "API"},
	{Match: "/api-docs", Severity: "medium", Description: "API description", Category: "API"},
	{Match: "/swagger", Severity: "medium", Description: "Swagger UI", Category: "API"},
	{Match: "/graphql", Severity: "medium", Description: "GraphQL endpoint", Category: "API"},

	{Match: "/phpinfo.php", Severity: "critical", Description: "phpinfo page", Category: "Information disclosure"},
	{Match: "/server-status", Severity: "high", Description: "Apache server status", Category: "Information disclosure"},
	{Match: "/server-info", Severity: "high", Description: "Apache server info", Category: "Information disclosure"},
	{Match: "/_debug", Severity: "high", Description: "Debug endpoint", Category: "Information disclosure"},
	{Match: "/debug", Severity: "high", Description: "Debug endpoint", Category: "Information disclosure"},
	{Match: "/trace", Severity: "high", Description: "Trace endpoint", Category: "Information disclosure"},

	{Match: "/backup.zip", Severity: "high", Description: "Backup archive", Category: "Backup"},
	{Match: "/backup", Severity: "high", Description: "Backup directory", Category: "Backup"},
	{Match: ".bak", Severity: "high", Description: "Backup file", Category: "Backup"},
	{Match: ".old", Severity: "medium", Description: "Old file", Category: "Backup"},
	{Match: ".zip", Severity: "medium", Description: "Archive", Category: "Backup"},
}

// BuiltinSensitivePaths returns a copy of the shipped path list.
func BuiltinSensitivePaths() []SensitivePath {
	out := make([]SensitivePath, len(builtinPaths))
	copy(out, builtinPaths)
	return out
}

// LoadSensitivePaths reads extra paths from a YAML list of SensitivePath,
// or from a text file holding one regular expression per line. Text
// entries are high severity findings of the "Custom" category.
func LoadSensitivePaths(path string) ([]SensitivePath, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sensitive paths: %w", err)
	}

	var list []SensitivePath
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			list = append(list, SensitivePath{
				Match:       line,
				Regex:       true,
				Severity:    "high",
				Description: "Custom path " + line,
				Category:    "Custom",
			})
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}

	for i := range list {
		p := &list[i]
		if p.Match == "" {
			return nil, fmt.Errorf("%s: entry %d has no match", path, i+1)
		}
		if p.Severity == "" {
			p.Severity = "high"
		}
		if p.Regex {
			if p.re, err = regexp.Compile(p.Match); err != nil {
				return nil, fmt.Errorf("%s: entry %d: %w", path, i+1, err)
			}
		}
	}
	return list, nil
}

// MatchSensitivePath returns the first entry of list matching path.
func MatchSensitivePath(path string, list []SensitivePath) (SensitivePath, bool) {
	lower := strings.ToLower(path)
	for _, p := range list {
		if p.re != nil {
			if p.re.MatchString(lower) {
				return p, true
			}
			continue
		}
		if strings.Contains(lower, strings.ToLower(p.Match)) {
			return p, true
		}
	}
	return SensitivePath{}, false
}

var severityMarkers = map[string]string{
	"critical": "🔴",
	"high":     "🟠",
	"medium":   "🟡",
	"low":      "🟢",
	"info":     "🔵",
}

func severityMarker(severity string) string {
	if m, ok := severityMarkers[strings.ToLower(severity)]; ok {
		return m
	}
	return "⚪"
}
