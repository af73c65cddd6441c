package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// GlobalNamespace holds workers, templates and the engagement registry. It
// doubles as the room name for global change notifications.
const GlobalNamespace = "pollenisator"

const DefaultWave = "Default"

// Entity names, also used as CheckInstance target types.
const (
	EntityScope         = "scope"
	EntityHost          = "ip"
	EntityPort          = "port"
	EntityWave          = "wave"
	EntityInterval      = "interval"
	EntityCheckItem     = "checkitem"
	EntityCheckInstance = "checkinstance"
	EntityCommand       = "command"
	EntityTool          = "tool"
	EntityDefect        = "defect"
	EntityComputer      = "computer"
)

// Collections.
const (
	CollScopes         = "scopes"
	CollHosts          = "ips"
	CollPorts          = "ports"
	CollWaves          = "waves"
	CollIntervals      = "intervals"
	CollCheckItems     = "checkitems"
	CollCheckInstances = "checkinstances"
	CollCommands       = "commands"
	CollTools          = "tools"
	CollDefects        = "defects"
	CollComputers      = "computers"
	CollSettings       = "settings"
	CollAutoscan       = "autoscan"
	CollWorkers        = "workers"
	CollEngagements    = "engagements"
)

// Trigger names follow "<entity>:<event>".
const (
	TriggerScopeAdd          = "scope:onAdd"
	TriggerScopeRangeAdd     = "scope:onRangeAdd"
	TriggerScopeDomainAdd    = "scope:onDomainAdd"
	TriggerHostAdd           = "ip:onAdd"
	TriggerPortAdd           = "port:onAdd"
	TriggerPortServiceUpdate = "port:onServiceUpdate"
	TriggerWaveAdd           = "wave:onAdd"
	TriggerAuthPassword      = "auth:password"
	TriggerAuthCookie        = "auth:cookie"
)

// IsPortTrigger reports whether the check items bound to trigger are
// subject to the port filter.
func IsPortTrigger(trigger string) bool {
	return strings.HasPrefix(trigger, "port:")
}

type Tag struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
	Level string `json:"level,omitempty"`
}

// Base carries the fields every stored entity shares.
type Base struct {
	ID           string         `json:"_id,omitempty"`
	CreationTime time.Time      `json:"creation_time"`
	Tags         []Tag          `json:"tags,omitempty"`
	Infos        map[string]any `json:"infos,omitempty"`
}

func (b *Base) GetBase() *Base { return b }

// HasTag reports whether a tag with that name is attached.
func (b *Base) HasTag(name string) bool {
	for _, t := range b.Tags {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Entity is implemented by every kind stored in an engagement namespace.
type Entity interface {
	Kind() Kind
	GetBase() *Base
	// Key is the composed unique key used for insert deduplication.
	Key() map[string]any
	// Triggers lists the trigger names fired after a successful insert.
	Triggers() []string
	DetailedString() string
	Validate() error
}

// Kind describes one entity class: where it lives and which command
// variables it substitutes.
type Kind struct {
	Name             string
	Collection       string
	CommandVariables []string
	New              func() Entity
}

var registry = map[string]Kind{
	EntityScope: {
		Name:             EntityScope,
		Collection:       CollScopes,
		CommandVariables: []string{"scope", "parent_domain", "scope.infos.*"},
		New:              func() Entity { return &Scope{} },
	},
	EntityHost: {
		Name:             EntityHost,
		Collection:       CollHosts,
		CommandVariables: []string{"ip", "ip.infos.*"},
		New:              func() Entity { return &Host{} },
	},
	EntityPort: {
		Name:             EntityPort,
		Collection:       CollPorts,
		CommandVariables: []string{"port", "port.proto", "port.service", "port.product", "port.infos.*"},
		New:              func() Entity { return &Port{} },
	},
	EntityWave: {
		Name:             EntityWave,
		Collection:       CollWaves,
		CommandVariables: []string{"wave", "wave.infos.*"},
		New:              func() Entity { return &Wave{} },
	},
	EntityInterval: {
		Name:       EntityInterval,
		Collection: CollIntervals,
		New:        func() Entity { return &Interval{} },
	},
	EntityCheckItem: {
		Name:       EntityCheckItem,
		Collection: CollCheckItems,
		New:        func() Entity { return &CheckItem{} },
	},
	EntityCheckInstance: {
		Name:       EntityCheckInstance,
		Collection: CollCheckInstances,
		New:        func() Entity { return &CheckInstance{} },
	},
	EntityCommand: {
		Name:       EntityCommand,
		Collection: CollCommands,
		New:        func() Entity { return &Command{} },
	},
	EntityTool: {
		Name:             EntityTool,
		Collection:       CollTools,
		CommandVariables: []string{"tool.infos.*"},
		New:              func() Entity { return &Tool{} },
	},
	EntityDefect: {
		Name:       EntityDefect,
		Collection: CollDefects,
		New:        func() Entity { return &Defect{} },
	},
	EntityComputer: {
		Name:       EntityComputer,
		Collection: CollComputers,
		New:        func() Entity { return &Computer{} },
	},
}

// KindByName returns the class registered under name.
func KindByName(name string) (Kind, bool) {
	k, ok := registry[name]
	return k, ok
}

// KindByCollection returns the class stored in collection.
func KindByCollection(collection string) (Kind, bool) {
	for _, k := range registry {
		if k.Collection == collection {
			return k, true
		}
	}
	return Kind{}, false
}

// Kinds lists every registered class ordered by name.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for _, k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// InsertResult is what an insert reports: res false means the key already
// existed and IID points at the existing record.
type InsertResult struct {
	Res bool   `json:"res"`
	IID string `json:"iid"`
}

// infosLookup resolves "<prefix>.infos.<key>" markers against infos.
func infosLookup(prefix, marker string, infos map[string]any) (string, bool) {
	key, ok := strings.CutPrefix(marker, prefix+".infos.")
	if !ok || key == "" {
		return "", false
	}
	v, ok := infos[key]
	if !ok || v == nil {
		return "", false
	}
	return scalarString(v), true
}

func scalarString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
