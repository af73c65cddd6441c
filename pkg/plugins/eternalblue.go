package plugins

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

// Tags set by the EternalBlue plugin.
const (
	TagEternalBlue      = "eternalblue"
	TagPwnedEternalBlue = "pwned-eternalblue"
	eternalBlueScript   = "smb-vuln-ms17-010"
)

var nmapReportRegex = regexp.MustCompile(`^Nmap scan report for (?:(\S+) \((\S+)\)|(\S+))`)

// EternalBlue reads the normal nmap output of the smb-vuln-ms17-010 script.
type EternalBlue struct{}

func NewEternalBlue() *EternalBlue { return &EternalBlue{} }

func (EternalBlue) Name() string { return "eternalblue" }
func (EternalBlue) AutoDetectEnabled() bool { return true }
func (EternalBlue) FileOutputArg() string { return "-oN " }
func (EternalBlue) FileOutputExt() string { return ".txt" }

func (EternalBlue) DetectCmdline(cmdline string) Detection {
	if strings.Contains(cmdline, "nmap") && strings.Contains(cmdline, eternalBlueScript) {
		return DetectYes
	}
	return DetectNo
}

func (EternalBlue) Parse(in Input) (*Result, error) {
	if !bytes.Contains(in.Content, []byte(eternalBlueScript)) {
		return nil, nil
	}

	res := newResult()
	res.Level = LevelPort

	var (
		host     string
		inScript bool
		notes    []string
	)
	scanner := bufio.NewScanner(bytes.NewReader(in.Content))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if m := nmapReportRegex.FindStringSubmatch(line); m != nil {
			host = m[2]
			if host == "" {
				host = m[3]
			}
			inScript = false
			continue
		}
		trimmed := strings.TrimLeft(line, "|_ ")
		if strings.HasPrefix(trimmed, eternalBlueScript+":") {
			inScript = true
			continue
		}
		if !inScript || host == "" {
			continue
		}
		if strings.Contains(trimmed, "VULNERABLE") && !strings.Contains(trimmed, "NOT VULNERABLE") {
			res.Targets[host] = Target{
				Lvl:     LevelPort,
				IP:      host,
				Port:    "445",
				Proto:   "tcp",
				Service: "microsoft-ds",
				Tags:    []string{TagEternalBlue},
			}
			notes = append(notes, fmt.Sprintf("%s:445/tcp is vulnerable to MS17-010", host))
			inScript = false
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read nmap output: %w", err)
	}

	if len(res.Targets) == 0 {
		res.Notes = "No host vulnerable to MS17-010"
		return res, nil
	}
	res.Notes = strings.Join(notes, "\n")
	res.Tags = append(res.Tags, TagPwnedEternalBlue)
	return res, nil
}
