// Package hooks holds the reactions attached to new targets and findings:
// service specific port hooks and the Discord alert sink.
package hooks

import (
	"fmt"
	"strings"
	"sync"

	"pollenisator/internal/models"
)

// PortEffects collects what the hooks want recorded about a new port.
type PortEffects struct {
	Computers []models.Computer
	Infos     map[string]any
}

func (fx *PortEffects) setInfo(key string, value any) {
	if fx.Infos == nil {
		fx.Infos = make(map[string]any)
	}
	fx.Infos[key] = value
}

// PortHook reacts to the creation of a port it matches.
type PortHook interface {
	Name() string
	Matches(p *models.Port) bool
	Apply(p *models.Port, fx *PortEffects)
}

type PortHooks struct {
	mu    sync.RWMutex
	hooks []PortHook
}

// NewPortHooks returns the registry with the built-in SMB and web hooks.
func NewPortHooks() *PortHooks {
	r := &PortHooks{}
	r.Register(SMBHook{})
	r.Register(WebHook{})
	return r
}

func (r *PortHooks) Register(h PortHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

func (r *PortHooks) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.hooks))
	for i, h := range r.hooks {
		names[i] = h.Name()
	}
	return names
}

// Run applies every matching hook, in registration order.
func (r *PortHooks) Run(p *models.Port) PortEffects {
	r.mu.RLock()
	hooks := append([]PortHook(nil), r.hooks...)
	r.mu.RUnlock()

	var fx PortEffects
	for _, h := range hooks {
		if h.Matches(p) {
			h.Apply(p, &fx)
		}
	}
	return fx
}

// SMBHook seeds a computer record for hosts exposing SMB.
type SMBHook struct{}

func (SMBHook) Name() string { return "smb" }

func (SMBHook) Matches(p *models.Port) bool {
	return p.Port == "445" && p.Proto == "tcp"
}

func (SMBHook) Apply(p *models.Port, fx *PortEffects) {
	fx.Computers = append(fx.Computers, models.Computer{IP: p.IP})
}

var webServices = map[string]string{
	"http":       "http",
	"http-alt":   "http",
	"http-proxy": "http",
	"https":      "https",
	"ssl/http":   "https",
	"https-alt":  "https",
}

// WebHook records the base url of web services in infos.url.
type WebHook struct{}

func (WebHook) Name() string { return "web" }

func (WebHook) Matches(p *models.Port) bool {
	if p.Proto != "tcp" {
		return false
	}
	if _, ok := p.Infos["url"]; ok {
		return false
	}
	return webScheme(p) != ""
}

func (WebHook) Apply(p *models.Port, fx *PortEffects) {
	fx.setInfo("url", BaseURL(webScheme(p), p.IP, p.Port))
}

func webScheme(p *models.Port) string {
	if scheme, ok := webServices[strings.ToLower(p.Service)]; ok {
		return scheme
	}
	if p.Service != "" {
		return ""
	}
	switch p.Port {
	case "80", "8080":
		return "http"
	case "443", "8443":
		return "https"
	}
	return ""
}

// BaseURL omits the port when it is the scheme default.
func BaseURL(scheme, host, port string) string {
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") || port == "" {
		return fmt.Sprintf("%s://%s/", scheme, host)
	}
	return fmt.Sprintf("%s://%s:%s/", scheme, host, port)
}
