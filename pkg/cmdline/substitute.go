// Package cmdline turns command templates into runnable command lines.
package cmdline

import (
	"path"
	"regexp"
	"strings"
)

// OutputDirMarker is replaced by the per-run output file of the tool.
const OutputDirMarker = "|outputDir|"

var (
	markerRegex = regexp.MustCompile(`\|([A-Za-z_][A-Za-z0-9_.\-]*)\|`)
	tokenRegex  = regexp.MustCompile(`\S+`)
)

// Resolver resolves a marker name (without the pipes) to its value.
type Resolver interface {
	Lookup(marker string) (string, bool)
}

// Substituter owns the markers matching one of its prefixes. A prefix ending
// in ".*" owns every marker under it; any other prefix owns the exact name.
type Substituter struct {
	Prefixes []string
	Resolver Resolver
}

func (s Substituter) owns(marker string) bool {
	for _, p := range s.Prefixes {
		if stem, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(marker, stem) {
				return true
			}
			continue
		}
		if p == marker {
			return true
		}
	}
	return false
}

// Markers lists the marker names found in text, in order of appearance.
func Markers(text string) []string {
	matches := markerRegex.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// Substitute resolves the markers of text through the substituters, first
// owner wins. Markers nobody resolves are left untouched so that a later
// pass can handle them. Values landing in file-like tokens are sanitized.
func Substitute(text string, subs []Substituter) string {
	return tokenRegex.ReplaceAllStringFunc(text, func(token string) string {
		if !strings.Contains(token, "|") {
			return token
		}
		fileLike := isLikelyFilePath(token)
		return markerRegex.ReplaceAllStringFunc(token, func(m string) string {
			name := m[1 : len(m)-1]
			for _, s := range subs {
				if s.Resolver == nil || !s.owns(name) {
					continue
				}
				v, ok := s.Resolver.Lookup(name)
				if !ok {
					return m
				}
				if fileLike {
					return SanitizeForFilename(v)
				}
				return v
			}
			return m
		})
	})
}

// OutputPath is the file a tool run writes to, without extension.
func OutputPath(dir, toolID, name string) string {
	return path.Join(dir, SanitizeForFilename(toolID), SanitizeForFilename(name))
}

// AppendOutput wires the output file into a command line: the outputDir
// marker is replaced when present, otherwise arg and the file are appended.
func AppendOutput(cmd, arg, output string) string {
	if strings.Contains(cmd, OutputDirMarker) {
		return strings.ReplaceAll(cmd, OutputDirMarker, output)
	}
	if arg == "" {
		return cmd
	}
	sep := " "
	if strings.HasSuffix(cmd, " ") {
		sep = ""
	}
	if strings.HasSuffix(arg, "=") || strings.HasSuffix(arg, " ") {
		return cmd + sep + arg + output
	}
	return cmd + sep + arg + " " + output
}

// Craft substitutes the markers of text and appends the output file built
// from dir, the tool id and name and the plugin's output extension.
func Craft(text string, subs []Substituter, dir, toolID, name, arg, ext string) string {
	cmd := Substitute(strings.TrimSpace(text), subs)
	return AppendOutput(cmd, arg, OutputPath(dir, toolID, name)+ext)
}
