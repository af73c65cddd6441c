package hooks

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollenisator/internal/models"
	"pollenisator/internal/notification"
)

func TestPortHooks(t *testing.T) {
	hooks := NewPortHooks()
	assert.Equal(t, []string{"smb", "web"}, hooks.Names())

	tests := []struct {
		name          string
		port          models.Port
		wantComputers int
		wantURL       string
	}{
		{
			name:          "smb seeds a computer",
			port:          models.Port{IP: "10.0.0.5", Port: "445", Proto: "tcp", Service: "microsoft-ds"},
			wantComputers: 1,
		},
		{
			name: "smb over udp is ignored",
			port: models.Port{IP: "10.0.0.5", Port: "445", Proto: "udp"},
		},
		{
			name:    "http service on custom port",
			port:    models.Port{IP: "10.0.0.5", Port: "8000", Proto: "tcp", Service: "http"},
			wantURL: "http://10.0.0.5:8000/",
		},
		{
			name:    "https on default port",
			port:    models.Port{IP: "api.example.com", Port: "443", Proto: "tcp", Service: "https"},
			wantURL: "https://api.example.com/",
		},
		{
			name:    "unknown service on 80 guesses http",
			port:    models.Port{IP: "10.0.0.5", Port: "80", Proto: "tcp"},
			wantURL: "http://10.0.0.5/",
		},
		{
			name: "ssh is not web",
			port: models.Port{IP: "10.0.0.5", Port: "22", Proto: "tcp", Service: "ssh"},
		},
		{
			name: "existing url is kept",
			port: models.Port{
				Base: models.Base{Infos: map[string]any{"url": "https://x/"}},
				IP:   "10.0.0.5", Port: "443", Proto: "tcp", Service: "https",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := hooks.Run(&tt.port)
			assert.Len(t, fx.Computers, tt.wantComputers)
			if tt.wantURL == "" {
				assert.NotContains(t, fx.Infos, "url")
			} else {
				assert.Equal(t, tt.wantURL, fx.Infos["url"])
			}
		})
	}
}

func TestBaseURLBracketsIPv6(t *testing.T) {
	assert.Equal(t, "http://[::1]:8080/", BaseURL("http", "::1", "8080"))
}

type recordingSender struct {
	mu     sync.Mutex
	sent   []notification.Message
	closed bool
}

func (s *recordingSender) Send(msg notification.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) Close() error {
	s.closed = true
	return nil
}

func TestDiscordNotifier(t *testing.T) {
	sender := &recordingSender{}
	n := NewDiscordNotifier(sender, WithThrottle(0))

	assert.Equal(t, 1, n.NotifyTags("eng1", "10.0.0.5:445/tcp", []string{"eternalblue", "pwned-eternalblue"}))
	assert.True(t, n.NotifyDefect("eng1", &models.Defect{Title: "RCE", Risk: models.RiskCritical, IP: "10.0.0.5"}))
	assert.True(t, n.NotifyDefect("eng1", &models.Defect{Title: "SQLi", Risk: models.RiskMajor}))
	assert.False(t, n.NotifyDefect("eng1", &models.Defect{Title: "Banner", Risk: models.RiskMinor}))

	require.NoError(t, n.Close())
	assert.True(t, sender.closed)
	require.Len(t, sender.sent, 3)

	titles := make([]string, 0, len(sender.sent))
	for _, m := range sender.sent {
		titles = append(titles, m.Title)
	}
	assert.Contains(t, titles, "🏴 pwned-eternalblue")
	assert.Contains(t, titles, "🔴 RCE")

	// closed notifier drops silently
	assert.Zero(t, n.NotifyTags("eng1", "x", []string{"pwned"}))
}

func TestDefectMessageTruncatesNotes(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	msg := buildDefectMessage("eng1", &models.Defect{Title: "t", Risk: models.RiskMajor, Notes: string(long), Types: []string{"Web", "Injection"}})
	assert.Contains(t, msg.Description, "...")
	assert.Equal(t, "Web, Injection", msg.Fields["Types"])
	assert.Equal(t, "MAJOR", msg.Fields["Risk"])
}
