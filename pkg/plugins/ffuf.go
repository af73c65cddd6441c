package plugins

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"pollenisator/pkg/logger"
)

// TagSensitiveEndpoint marks ffuf results hitting a sensitive path.
const TagSensitiveEndpoint = "ffuf-sensitive"

type FfufOutput struct {
	Commandline string       `json:"commandline"`
	Time        string       `json:"time"`
	Results     []FfufResult `json:"results"`
}

type FfufResult struct {
	Input            map[string]string `json:"input"`
	Position         int               `json:"position"`
	Status           int               `json:"status"`
	Length           int               `json:"length"`
	Words            int               `json:"words"`
	Lines            int               `json:"lines"`
	ContentType      string            `json:"content-type"`
	RedirectLocation string            `json:"redirectlocation"`
	Duration         int64             `json:"duration"`
	URL              string            `json:"url"`
	Host             string            `json:"host"`
}

// Ffuf imports discovered endpoints from ffuf JSON output and reports the
// ones matching a sensitive pattern.
type Ffuf struct {
	logger *logger.Logger
	paths  []SensitivePath
}

// NewFfuf checks the extra paths before the built-in ones.
func NewFfuf(log *logger.Logger, extra []SensitivePath) *Ffuf {
	paths := make([]SensitivePath, 0, len(extra)+len(builtinPaths))
	paths = append(paths, extra...)
	paths = append(paths, builtinPaths...)
	return &Ffuf{logger: log, paths: paths}
}

func (f *Ffuf) Name() string { return "ffuf" }
func (f *Ffuf) AutoDetectEnabled() bool { return true }
func (f *Ffuf) FileOutputArg() string { return "-of json -o " }
func (f *Ffuf) FileOutputExt() string { return ".json" }

func (f *Ffuf) DetectCmdline(cmdline string) Detection {
	if strings.Contains(cmdline, "ffuf") {
		return DetectYes
	}
	return DetectNo
}

func (f *Ffuf) Parse(in Input) (*Result, error) {
	trimmed := bytes.TrimSpace(in.Content)
	if len(trimmed) == 0 || trimmed[0] != '{' || !bytes.Contains(trimmed, []byte(`"results"`)) {
		return nil, nil
	}
	var out FfufOutput
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, fmt.Errorf("parse ffuf json: %w", err)
	}
	if out.Commandline == "" && len(out.Results) == 0 {
		return nil, nil
	}

	res := newResult()
	res.Level = LevelPort
	var notes []string
	sensitive := 0

	for _, r := range out.Results {
		u, err := url.Parse(r.URL)
		if err != nil || u.Hostname() == "" {
			continue
		}
		port := u.Port()
		if port == "" {
			port = defaultPort(u.Scheme)
		}
		key := fmt.Sprintf("%s:%s/tcp", u.Hostname(), port)
		t, ok := res.Targets[key]
		if !ok {
			t = Target{
				Lvl:     LevelPort,
				IP:      u.Hostname(),
				Port:    port,
				Proto:   "tcp",
				Service: strings.ToLower(u.Scheme),
				Infos:   map[string]any{"url": u.Scheme + "://" + u.Host + "/"},
			}
		}

		line := fmt.Sprintf("[%d] %s (%d bytes)", r.Status, r.URL, r.Length)
		if pattern, found := MatchSensitivePath(u.Path, f.paths); found && r.Status < 400 {
			sensitive++
			line = fmt.Sprintf("%s %s %s", severityMarker(pattern.Severity), line, pattern.Description)
			if !containsString(t.Tags, TagSensitiveEndpoint) {
				t.Tags = append(t.Tags, TagSensitiveEndpoint)
			}
			if risk := severityRisk(pattern.Severity); risk != "" {
				res.Defects = append(res.Defects, Finding{
					Title: pattern.Description + " exposed",
					Risk:  risk,
					Types: []string{pattern.Category},
					Notes: r.URL,
					IP:    t.IP,
					Port:  t.Port,
					Proto: t.Proto,
				})
			}
		}
		res.Targets[key] = t
		notes = append(notes, line)
	}

	if sensitive > 0 {
		f.logger.WithFields(logger.Fields{
			"engagement": in.Engagement,
			"count":      sensitive,
		}).Info("Sensitive endpoints found by ffuf")
		res.Tags = append(res.Tags, TagSensitiveEndpoint)
	}
	res.Notes = strings.Join(notes, "\n")
	return res, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
