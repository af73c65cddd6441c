package plugins

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/logger"
)

const eternalBlueOutput = `Starting Nmap 7.94 ( https://nmap.org ) at 2024-01-01 10:00 CET
Nmap scan report for 10.0.0.5
Host is up (0.00050s latency).

PORT    STATE SERVICE
445/tcp open  microsoft-ds

Host script results:
| smb-vuln-ms17-010:
|   VULNERABLE:
|   Remote Code Execution vulnerability in Microsoft SMBv1 servers (ms17-010)
|     State: VULNERABLE
|     IDs:  CVE:CVE-2017-0143
|_    Risk factor: HIGH

Nmap scan report for 10.0.0.6
Host is up (0.00050s latency).

Nmap done: 2 IP addresses (2 hosts up) scanned in 1.50 seconds
`

const nmapXML = `<?xml version="1.0" encoding="UTF-8"?>
<nmaprun scanner="nmap" args="nmap -sV -oX out.xml 10.0.0.5" version="7.94">
<host>
<status state="up" reason="syn-ack"/>
<address addr="10.0.0.5" addrtype="ipv4"/>
<hostnames><hostname name="srv.example.com" type="PTR"/></hostnames>
<ports>
<port protocol="tcp" portid="80"><state state="open" reason="syn-ack"/><service name="http" product="nginx" version="1.24"/></port>
<port protocol="tcp" portid="443"><state state="open" reason="syn-ack"/><service name="http" tunnel="ssl" product="nginx"/></port>
<port protocol="tcp" portid="8080"><state state="closed" reason="reset"/><service name="http-proxy"/></port>
</ports>
</host>
<host>
<status state="down" reason="no-response"/>
<address addr="10.0.0.9" addrtype="ipv4"/>
</host>
</nmaprun>
`

const nucleiOutput = `{"template-id":"CVE-2021-44228","info":{"name":"Log4j RCE","severity":"critical","description":"JNDI lookup"},"type":"http","host":"http://10.0.0.7:8080","matched-at":"http://10.0.0.7:8080/api","ip":"10.0.0.7"}
{"template-id":"tech-detect","info":{"name":"Nginx detect","severity":"info"},"type":"http","host":"https://10.0.0.8","matched-at":"https://10.0.0.8/","ip":"10.0.0.8"}
`

const ffufOutput = `{"commandline":"ffuf -u http://10.0.0.5/FUZZ -w words.txt","time":"2024-01-01T10:00:00Z","results":[
{"input":{"FUZZ":".git/config"},"status":200,"length":120,"url":"http://10.0.0.5/.git/config","host":"10.0.0.5"},
{"input":{"FUZZ":"index.html"},"status":200,"length":900,"url":"http://10.0.0.5/index.html","host":"10.0.0.5"}
]}`

const digOutput = `; <<>> DiG 9.18.18 <<>> axfr @ns1.example.com example.com
;; global options: +cmd
example.com.		3600	IN	SOA	ns1.example.com. admin.example.com. 2024010101 3600 600 86400 3600
example.com.		3600	IN	NS	ns1.example.com.
www.example.com.	3600	IN	A	10.0.0.10
mail.example.com.	3600	IN	CNAME	www.example.com.
example.com.		3600	IN	SOA	ns1.example.com. admin.example.com. 2024010101 3600 600 86400 3600
;; Query time: 3 msec
;; XFR size: 5 records (messages 1, bytes 220)
`

func testLogger() *logger.Logger {
	return logger.NewLogger(logrus.ErrorLevel)
}

func TestEternalBlueTagsVulnerableHost(t *testing.T) {
	res, err := NewEternalBlue().Parse(Input{Content: []byte(eternalBlueOutput)})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Contains(t, res.Tags, TagPwnedEternalBlue)
	require.Len(t, res.Targets, 1)
	target := res.Targets["10.0.0.5"]
	assert.Equal(t, LevelPort, target.Lvl)
	assert.Equal(t, "10.0.0.5", target.IP)
	assert.Equal(t, "445", target.Port)
	assert.Equal(t, "tcp", target.Proto)
	assert.Equal(t, "microsoft-ds", target.Service)
	assert.Equal(t, []string{TagEternalBlue}, target.Tags)
}

func TestEternalBlueNotVulnerable(t *testing.T) {
	content := strings.ReplaceAll(eternalBlueOutput, "VULNERABLE", "NOT VULNERABLE")
	res, err := NewEternalBlue().Parse(Input{Content: []byte(content)})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Empty(t, res.Targets)
	assert.NotContains(t, res.Tags, TagPwnedEternalBlue)

	res, err = NewEternalBlue().Parse(Input{Content: []byte("hello")})
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestNmapParse(t *testing.T) {
	res, err := NewNmap(testLogger()).Parse(Input{Content: []byte(nmapXML)})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, LevelPort, res.Level)
	assert.Len(t, res.Targets, 3)

	host := res.Targets["10.0.0.5"]
	assert.Equal(t, LevelIP, host.Lvl)
	assert.Equal(t, "srv.example.com", host.Infos["hostnames"])

	http := res.Targets["10.0.0.5:80/tcp"]
	assert.Equal(t, "http", http.Service)
	assert.Equal(t, "nginx 1.24", http.Product)

	https := res.Targets["10.0.0.5:443/tcp"]
	assert.Equal(t, "https", https.Service)

	assert.NotContains(t, res.Targets, "10.0.0.5:8080/tcp")
	assert.NotContains(t, res.Targets, "10.0.0.9")
}

func TestNmapSkipsPortsOfFalsePositiveHosts(t *testing.T) {
	var ports strings.Builder
	for i := 1; i <= 25; i++ {
		fmt.Fprintf(&ports, `<port protocol="tcp" portid="%d"><state state="open"/><service name="unknown"/></port>`, i)
	}
	content := `<nmaprun><host><status state="up"/><address addr="10.0.0.1" addrtype="ipv4"/><ports>` +
		ports.String() + `</ports></host></nmaprun>`

	res, err := NewNmap(testLogger()).Parse(Input{Content: []byte(content)})
	require.NoError(t, err)
	assert.Len(t, res.Targets, 1)
	assert.Contains(t, res.Notes, "false positive")
}

func TestNucleiParse(t *testing.T) {
	res, err := NewNuclei(testLogger()).Parse(Input{Content: []byte(nucleiOutput)})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, []string{"nuclei-critical"}, res.Tags)
	assert.Contains(t, res.Targets, "10.0.0.7:8080/tcp")
	assert.Contains(t, res.Targets, "10.0.0.8:443/tcp")
	require.Len(t, res.Defects, 1)
	assert.Equal(t, "Log4j RCE", res.Defects[0].Title)
	assert.Equal(t, "Critical", res.Defects[0].Risk)
	assert.Equal(t, "8080", res.Defects[0].Port)
}

func TestFfufParse(t *testing.T) {
	res, err := NewFfuf(testLogger(), nil).Parse(Input{Content: []byte(ffufOutput)})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Contains(t, res.Tags, TagSensitiveEndpoint)
	target := res.Targets["10.0.0.5:80/tcp"]
	assert.Equal(t, "http://10.0.0.5/", target.Infos["url"])
	assert.Contains(t, target.Tags, TagSensitiveEndpoint)
	require.NotEmpty(t, res.Defects)
	assert.Equal(t, "Critical", res.Defects[0].Risk)
}

func TestDigParse(t *testing.T) {
	res, err := NewDig().Parse(Input{Content: []byte(digOutput)})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Contains(t, res.Tags, "axfr-allowed")
	assert.Equal(t, "10.0.0.10", res.Targets["www.example.com"].Infos["ip"])
	assert.Equal(t, "www.example.com", res.Targets["10.0.0.10"].Infos["hostname"])
	assert.Equal(t, "www.example.com", res.Targets["mail.example.com"].Infos["cname"])
	assert.Len(t, res.Targets, 3)
}

func TestDetectFromCmdline(t *testing.T) {
	r := NewDefaultRegistry(testLogger())

	tests := []struct {
		cmdline string
		want    string
	}{
		{cmdline: "nmap --script smb-vuln-ms17-010 -p445 10.0.0.5", want: "eternalblue"},
		{cmdline: "nmap -sV 10.0.0.5", want: "nmap"},
		{cmdline: "/usr/bin/nmap -sV 10.0.0.5", want: "nmap"},
		{cmdline: "nuclei -u http://x", want: "nuclei"},
		{cmdline: "ffuf -u http://x/FUZZ -w w.txt", want: "ffuf"},
		{cmdline: "dig axfr @ns example.com", want: "dig"},
		{cmdline: "whatweb http://x", want: DefaultName},
	}

	for _, tt := range tests {
		t.Run(tt.cmdline, func(t *testing.T) {
			p, err := r.DetectFromCmdline(tt.cmdline)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name())
		})
	}
}

func TestAutoDetect(t *testing.T) {
	r := NewDefaultRegistry(testLogger())

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "eternalblue", content: eternalBlueOutput, want: "eternalblue"},
		{name: "nmap xml", content: nmapXML, want: "nmap"},
		{name: "nuclei", content: nucleiOutput, want: "nuclei"},
		{name: "ffuf", content: ffufOutput, want: "ffuf"},
		{name: "dig", content: digOutput, want: "dig"},
		{name: "unknown falls back", content: "some raw output", want: DefaultName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, res, err := r.AutoDetect(Input{Content: []byte(tt.content)})
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name())
			assert.NotNil(t, res)
		})
	}
}

type failingPlugin struct{ Default }

func (failingPlugin) Name() string { return "broken" }
func (failingPlugin) AutoDetectEnabled() bool { return true }
func (failingPlugin) DetectCmdline(string) Detection { return DetectNo }
func (failingPlugin) Parse(Input) (*Result, error) { return nil, errors.New("boom") }

func TestAutoDetectSkipsFailingPlugins(t *testing.T) {
	r := NewRegistry(testLogger())
	require.NoError(t, r.Register(failingPlugin{}))
	require.NoError(t, r.Register(NewDefault()))

	p, res, err := r.AutoDetect(Input{Content: []byte("raw")})
	require.NoError(t, err)
	assert.Equal(t, DefaultName, p.Name())
	assert.Equal(t, "raw", res.Notes)

	_, err = r.Parse("broken", Input{})
	assert.ErrorIs(t, err, apperrors.ErrPlugin)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	assert.Error(t, r.Register(NewDefault()))
	assert.Equal(t, []string{"broken", DefaultName}, r.Names())
}
