package plugins

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/logger"
)

// DefaultName is the name of the fallback plugin.
const DefaultName = "Default"

// Registry maps plugin names to implementations. Iteration follows
// registration order.
type Registry struct {
	mu     sync.RWMutex
	order  []Plugin
	byName map[string]Plugin
	logger *logger.Logger
}

func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewLogger(logrus.InfoLevel)
	}
	return &Registry{
		byName: make(map[string]Plugin),
		logger: log,
	}
}

type defaultOptions struct {
	sensitivePaths []SensitivePath
}

// DefaultOption customizes the shipped plugins.
type DefaultOption func(*defaultOptions)

// WithSensitivePaths adds paths the ffuf plugin reports.
func WithSensitivePaths(paths []SensitivePath) DefaultOption {
	return func(o *defaultOptions) {
		o.sensitivePaths = append(o.sensitivePaths, paths...)
	}
}

// NewDefaultRegistry returns a registry holding every shipped plugin.
func NewDefaultRegistry(log *logger.Logger, opts ...DefaultOption) *Registry {
	var o defaultOptions
	for _, opt := range opts {
		opt(&o)
	}
	r := NewRegistry(log)
	for _, p := range []Plugin{
		NewEternalBlue(),
		NewNmap(r.logger),
		NewNuclei(r.logger),
		NewFfuf(r.logger, o.sensitivePaths),
		NewDig(),
		NewDefault(),
	} {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name()]; exists {
		return fmt.Errorf("plugin %s already registered", p.Name())
	}
	r.byName[p.Name()] = p
	r.order = append(r.order, p)
	return nil
}

func (r *Registry) Get(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byName[name]
	if !ok {
		return nil, apperrors.NotFound("plugin", name)
	}
	return p, nil
}

// Names lists registered plugins in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.order))
	for _, p := range r.order {
		names = append(names, p.Name())
	}
	return names
}

func (r *Registry) plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Plugin(nil), r.order...)
}

// DetectFromCmdline returns the first plugin claiming cmdline, or the
// fallback plugin when none does.
func (r *Registry) DetectFromCmdline(cmdline string) (Plugin, error) {
	var fallback Plugin
	for _, p := range r.plugins() {
		switch p.DetectCmdline(cmdline) {
		case DetectYes:
			return p, nil
		case DetectDefault:
			if fallback == nil {
				fallback = p
			}
		}
	}
	if fallback == nil {
		return nil, apperrors.NotFound("plugin", cmdline)
	}
	return fallback, nil
}

// Parse runs the named plugin. A failure is reported as a PluginError.
func (r *Registry) Parse(name string, in Input) (*Result, error) {
	p, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	res, err := p.Parse(in)
	if err != nil {
		return nil, apperrors.NewPluginError(name, err)
	}
	return res, nil
}

// AutoDetect tries every auto-detectable plugin and keeps the first one
// returning notes and tags. The fallback plugin parses the input when no
// typed plugin recognizes it.
func (r *Registry) AutoDetect(in Input) (Plugin, *Result, error) {
	all := r.plugins()
	var fallback Plugin

	for _, p := range all {
		if p.DetectCmdline("") == DetectDefault {
			if fallback == nil {
				fallback = p
			}
			continue
		}
		if !p.AutoDetectEnabled() {
			continue
		}
		res, err := p.Parse(in)
		if err != nil {
			r.logger.WithFields(logger.Fields{
				"plugin":   p.Name(),
				"filename": in.Filename,
				"error":    err,
			}).Debug("Plugin rejected input during auto-detect")
			continue
		}
		if res != nil {
			return p, res, nil
		}
	}

	if fallback == nil {
		return nil, nil, apperrors.NotFound("plugin", DefaultName)
	}
	res, err := fallback.Parse(in)
	if err != nil {
		return nil, nil, apperrors.NewPluginError(fallback.Name(), err)
	}
	return fallback, res, nil
}
