package plugins

// Default keeps the raw output as notes. It is the fallback of auto-detection.
type Default struct{}

func NewDefault() *Default { return &Default{} }

func (Default) Name() string { return DefaultName }
func (Default) AutoDetectEnabled() bool { return false }
func (Default) DetectCmdline(string) Detection { return DetectDefault }
func (Default) FileOutputArg() string { return "| tee " }
func (Default) FileOutputExt() string { return ".log.txt" }

func (Default) Parse(in Input) (*Result, error) {
	res := newResult()
	res.Notes = string(in.Content)
	return res, nil
}
