package plugins

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// Dig imports the address records of a successful zone transfer as hosts.
// Other records are kept in the notes.
type Dig struct{}

func NewDig() *Dig { return &Dig{} }

func (Dig) Name() string { return "dig" }
func (Dig) AutoDetectEnabled() bool { return true }
func (Dig) FileOutputArg() string { return "| tee " }
func (Dig) FileOutputExt() string { return ".dig.txt" }

func (Dig) DetectCmdline(cmdline string) Detection {
	lower := strings.ToLower(cmdline)
	if strings.Contains(lower, "dig ") && strings.Contains(lower, "axfr") {
		return DetectYes
	}
	return DetectNo
}

func (Dig) Parse(in Input) (*Result, error) {
	if !bytes.Contains(in.Content, []byte("; <<>> DiG")) || !bytes.Contains(bytes.ToLower(in.Content), []byte("axfr")) {
		return nil, nil
	}

	zp := dns.NewZoneParser(bytes.NewReader(in.Content), "", "")
	res := newResult()
	res.Level = LevelIP
	var notes []string

	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		name := strings.TrimSuffix(strings.ToLower(rr.Header().Name), ".")
		switch r := rr.(type) {
		case *dns.A:
			addHostPair(res, name, r.A.String())
		case *dns.AAAA:
			addHostPair(res, name, r.AAAA.String())
		case *dns.CNAME:
			target := strings.TrimSuffix(strings.ToLower(r.Target), ".")
			addHost(res, name, map[string]any{"cname": target})
		}
		notes = append(notes, rr.String())
	}
	if err := zp.Err(); err != nil {
		return nil, fmt.Errorf("parse zone transfer: %w", err)
	}
	if len(notes) == 0 {
		res.Notes = "Zone transfer refused or empty"
		return res, nil
	}

	sort.Strings(notes)
	res.Notes = strings.Join(notes, "\n")
	res.Tags = append(res.Tags, "axfr-allowed")
	return res, nil
}

func addHost(res *Result, host string, infos map[string]any) {
	if host == "" {
		return
	}
	t, ok := res.Targets[host]
	if !ok {
		t = Target{Lvl: LevelIP, IP: host}
	}
	if len(infos) > 0 {
		if t.Infos == nil {
			t.Infos = map[string]any{}
		}
		for k, v := range infos {
			t.Infos[k] = v
		}
	}
	res.Targets[host] = t
}

func addHostPair(res *Result, name, addr string) {
	addHost(res, name, map[string]any{"ip": addr})
	addHost(res, addr, map[string]any{"hostname": name})
}
