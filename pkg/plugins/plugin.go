// Package plugins parses the raw output of external tools into notes, tags
// and new targets.
package plugins

// Detection is the answer of a plugin to a command line.
type Detection int

const (
	DetectNo Detection = iota
	DetectYes
	// DetectDefault marks the fallback used when nothing else matches.
	DetectDefault
)

// Target levels understood by ingestion. Any other level containing a colon
// is a trigger name fired on the entity the target describes.
const (
	LevelWave  = "wave"
	LevelScope = "scope"
	LevelIP    = "ip"
	LevelPort  = "port"
)

// Target describes an entity found in a tool output.
type Target struct {
	Lvl      string         `json:"lvl"`
	Wave     string         `json:"wave,omitempty"`
	Scope    string         `json:"scope,omitempty"`
	IP       string         `json:"ip,omitempty"`
	Port     string         `json:"port,omitempty"`
	Proto    string         `json:"proto,omitempty"`
	Service  string         `json:"service,omitempty"`
	Product  string         `json:"product,omitempty"`
	CheckIID string         `json:"check_iid,omitempty"`
	ToolIID  string         `json:"tool_iid,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Infos    map[string]any `json:"infos,omitempty"`
}

// Finding is a defect a plugin reports on one of its targets.
type Finding struct {
	Title  string   `json:"title"`
	Risk   string   `json:"risk,omitempty"`
	Ease   string   `json:"ease,omitempty"`
	Impact string   `json:"impact,omitempty"`
	Types  []string `json:"type,omitempty"`
	Notes  string   `json:"notes,omitempty"`
	IP     string   `json:"ip,omitempty"`
	Port   string   `json:"port,omitempty"`
	Proto  string   `json:"proto,omitempty"`
}

// Result is what a plugin extracts from one output file.
type Result struct {
	Notes   string            `json:"notes"`
	Tags    []string          `json:"tags"`
	Level   string            `json:"lvl"`
	Targets map[string]Target `json:"targets"`
	Defects []Finding         `json:"defects,omitempty"`
}

func newResult() *Result {
	return &Result{Tags: []string{}, Targets: map[string]Target{}}
}

// ToolRef is the tool an output belongs to, when known.
type ToolRef struct {
	ID    string
	Wave  string
	Scope string
	IP    string
	Port  string
	Proto string
}

// Input is one output file handed to a plugin.
type Input struct {
	Engagement string
	Content    []byte
	Cmdline    string
	Ext        string
	Filename   string
	Tool       *ToolRef
}

// Plugin parses the output of one family of tools. Parse returns a nil
// result when the content is not recognized.
type Plugin interface {
	Name() string
	AutoDetectEnabled() bool
	DetectCmdline(cmdline string) Detection
	FileOutputArg() string
	FileOutputExt() string
	Parse(in Input) (*Result, error)
}
