package plugins

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/Ullaakut/nmap/v3"

	"pollenisator/pkg/logger"
)

// Hosts reporting more open ports than this are assumed to answer on every
// port (firewall or tarpit) and their ports are not imported.
const falsePositivePortThreshold = 20

// Nmap imports hosts and open ports from nmap XML output.
type Nmap struct {
	logger *logger.Logger
}

func NewNmap(log *logger.Logger) *Nmap {
	return &Nmap{logger: log}
}

func (n *Nmap) Name() string { return "nmap" }
func (n *Nmap) AutoDetectEnabled() bool { return true }
func (n *Nmap) FileOutputArg() string { return "-oX " }
func (n *Nmap) FileOutputExt() string { return ".xml" }

func (n *Nmap) DetectCmdline(cmdline string) Detection {
	for _, field := range strings.Fields(cmdline) {
		if field == "nmap" || strings.HasSuffix(field, "/nmap") {
			return DetectYes
		}
	}
	return DetectNo
}

func (n *Nmap) Parse(in Input) (*Result, error) {
	if !bytes.Contains(in.Content, []byte("<nmaprun")) {
		return nil, nil
	}
	run := &nmap.Run{}
	err := nmap.Parse(in.Content, run)
	if err != nil {
		return nil, fmt.Errorf("parse nmap xml: %w", err)
	}

	res := newResult()
	res.Level = LevelIP
	var notes []string

	for _, h := range run.Hosts {
		if h.Status.State != "" && h.Status.State != "up" {
			continue
		}
		addr := pickHostAddress(h)
		if addr == "" {
			continue
		}

		hostTarget := Target{Lvl: LevelIP, IP: addr}
		if names := hostnames(h); len(names) > 0 {
			hostTarget.Infos = map[string]any{"hostnames": strings.Join(names, ",")}
		}
		res.Targets[addr] = hostTarget

		if isLikelyFalsePositive(h) {
			n.logger.WithFields(logger.Fields{
				"engagement": in.Engagement,
				"host":       addr,
			}).Warn("Host answers on too many ports, skipping its ports")
			notes = append(notes, fmt.Sprintf("%s: too many open ports, likely a false positive", addr))
			continue
		}

		for _, p := range h.Ports {
			if !strings.HasPrefix(strings.ToLower(p.State.State), "open") {
				continue
			}
			port := strconv.Itoa(int(p.ID))
			proto := strings.ToLower(p.Protocol)
			service := serviceName(p.Service.Name, p.Service.Tunnel)

			t := Target{
				Lvl:     LevelPort,
				IP:      addr,
				Port:    port,
				Proto:   proto,
				Service: service,
				Product: strings.TrimSpace(p.Service.Product + " " + p.Service.Version),
			}
			res.Targets[fmt.Sprintf("%s:%s/%s", addr, port, proto)] = t
			res.Level = LevelPort
			notes = append(notes, fmt.Sprintf("%s:%s/%s %s %s", addr, port, proto, service, t.Product))
		}
	}

	if len(res.Targets) == 0 {
		res.Notes = "No host up"
		return res, nil
	}
	res.Notes = strings.Join(notes, "\n")
	return res, nil
}

func pickHostAddress(h nmap.Host) string {
	for _, a := range h.Addresses {
		if a.AddrType == "ipv4" {
			return a.Addr
		}
	}
	for _, a := range h.Addresses {
		if a.AddrType == "ipv6" {
			return a.Addr
		}
	}
	if len(h.Addresses) > 0 {
		return h.Addresses[0].Addr
	}
	return ""
}

func hostnames(h nmap.Host) []string {
	var names []string
	for _, hn := range h.Hostnames {
		if hn.Name != "" {
			names = append(names, strings.ToLower(hn.Name))
		}
	}
	return names
}

func isLikelyFalsePositive(h nmap.Host) bool {
	var open int
	for _, p := range h.Ports {
		if p.State.State == "open" {
			open++
		}
	}
	return open > falsePositivePortThreshold
}

// serviceName reports ssl-wrapped http as https.
func serviceName(name, tunnel string) string {
	if tunnel == "ssl" && name == "http" {
		return "https"
	}
	return name
}
