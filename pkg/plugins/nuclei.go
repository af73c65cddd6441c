package plugins

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"

	"pollenisator/pkg/logger"
)

type NucleiResult struct {
	TemplateID    string                 `json:"template-id"`
	TemplatePath  string                 `json:"template-path"`
	Info          map[string]interface{} `json:"info"`
	MatcherName   string                 `json:"matcher-name"`
	Type          string                 `json:"type"`
	Host          string                 `json:"host"`
	Port          string                 `json:"port"`
	Scheme        string                 `json:"scheme"`
	URL           string                 `json:"url"`
	MatchedAt     string                 `json:"matched-at"`
	IP            string                 `json:"ip"`
	Timestamp     string                 `json:"timestamp"`
	CurlCommand   string                 `json:"curl-command"`
	MatcherStatus bool                   `json:"matcher-status"`
}

// Nuclei reads nuclei JSON lines output. Critical and high findings become
// defects.
type Nuclei struct {
	logger *logger.Logger
}

func NewNuclei(log *logger.Logger) *Nuclei {
	return &Nuclei{logger: log}
}

func (n *Nuclei) Name() string { return "nuclei" }
func (n *Nuclei) AutoDetectEnabled() bool { return true }
func (n *Nuclei) FileOutputArg() string { return "-jsonl -o " }
func (n *Nuclei) FileOutputExt() string { return ".jsonl" }

func (n *Nuclei) DetectCmdline(cmdline string) Detection {
	if strings.Contains(cmdline, "nuclei") {
		return DetectYes
	}
	return DetectNo
}

func (n *Nuclei) Parse(in Input) (*Result, error) {
	var findings []NucleiResult
	scanner := bufio.NewScanner(bytes.NewReader(in.Content))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var r NucleiResult
		if err := json.Unmarshal(line, &r); err != nil {
			n.logger.Debugf("Skipping nuclei line: %v", err)
			continue
		}
		if r.TemplateID == "" {
			continue
		}
		findings = append(findings, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read nuclei output: %w", err)
	}
	if len(findings) == 0 {
		return nil, nil
	}

	res := newResult()
	res.Level = LevelIP
	severities := map[string]bool{}
	var notes []string

	for _, f := range findings {
		severity := GetNucleiSeverity(f.Info)
		name := GetNucleiTemplateName(f.Info)
		notes = append(notes, fmt.Sprintf("%s [%s] %s %s", severityMarker(severity), severity, name, f.MatchedAt))

		ip, port, proto := nucleiLocation(f)
		if ip == "" {
			continue
		}
		if port != "" {
			res.Targets[ip+":"+port+"/"+proto] = Target{Lvl: LevelPort, IP: ip, Port: port, Proto: proto}
			res.Level = LevelPort
		} else {
			res.Targets[ip] = Target{Lvl: LevelIP, IP: ip}
		}

		risk := severityRisk(severity)
		if risk == "" {
			continue
		}
		severities[severity] = true
		res.Defects = append(res.Defects, Finding{
			Title: name,
			Risk:  risk,
			Types: []string{"Technical"},
			Notes: strings.TrimSpace(GetNucleiDescription(f.Info) + "\n" + f.MatchedAt),
			IP:    ip,
			Port:  port,
			Proto: proto,
		})
	}

	for _, s := range []string{"critical", "high"} {
		if severities[s] {
			res.Tags = append(res.Tags, "nuclei-"+s)
		}
	}
	res.Notes = strings.Join(notes, "\n")
	return res, nil
}

// nucleiLocation extracts ip, port and proto of a finding.
func nucleiLocation(f NucleiResult) (string, string, string) {
	host, port := f.IP, f.Port
	raw := f.MatchedAt
	if raw == "" {
		raw = f.URL
	}
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		if host == "" {
			host = u.Hostname()
		}
		if port == "" {
			port = u.Port()
			if port == "" {
				port = defaultPort(u.Scheme)
			}
		}
	} else if h, p, err := net.SplitHostPort(raw); err == nil {
		if host == "" {
			host = h
		}
		if port == "" {
			port = p
		}
	}
	if host == "" {
		host = f.Host
	}
	return host, port, "tcp"
}

func defaultPort(scheme string) string {
	switch strings.ToLower(scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}

// severityRisk maps a scanner severity to a defect risk. Findings below high
// are kept in notes only.
func severityRisk(severity string) string {
	switch strings.ToLower(severity) {
	case "critical":
		return "Critical"
	case "high":
		return "Major"
	}
	return ""
}

func GetNucleiSeverity(info map[string]interface{}) string {
	if severity, ok := info["severity"].(string); ok {
		return strings.ToLower(severity)
	}
	return "info"
}

func GetNucleiTemplateName(info map[string]interface{}) string {
	if name, ok := info["name"].(string); ok {
		return name
	}
	return "Unknown Template"
}

func GetNucleiDescription(info map[string]interface{}) string {
	if desc, ok := info["description"].(string); ok {
		return strings.TrimSpace(desc)
	}
	return ""
}
