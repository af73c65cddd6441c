package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"pollenisator/internal/files"
	"pollenisator/internal/models"
	"pollenisator/internal/store"
	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/logger"
	"pollenisator/pkg/plugins"
)

// ImportWave holds the tools created for results imported without a tool.
const ImportWave = "Imported"

const autoDetect = "auto-detect"

// Upload is one result file.
type Upload struct {
	Engagement string
	// ToolID is empty for imports.
	ToolID   string
	Filename string
	Content  io.Reader
	// Worker is set when a worker uploads; operators leave it empty.
	Worker string
	// Plugin forces a parser for imports.
	Plugin string
}

// IngestResult reports what an upload produced.
type IngestResult struct {
	ToolID     string   `json:"tool_iid"`
	Plugin     string   `json:"plugin"`
	Status     string   `json:"status"`
	Notes      string   `json:"notes"`
	Tags       []string `json:"tags"`
	Targets    int      `json:"targets"`
	Defects    int      `json:"defects"`
	ResultFile string   `json:"resultfile"`
	Error      string   `json:"error,omitempty"`
}

type IngestionMethods interface {
	Ingest(ctx context.Context, up Upload) (*IngestResult, error)
}

// IngestionService turns uploaded result files into notes, tags, targets
// and defects.
type IngestionService struct {
	deps
	plugins *plugins.Registry
	files   *files.Layout
	targets *TargetService
	tools   *ToolService
	tags    *TagService
	defects *DefectService
}

// Ingest stores the file, parses it and applies the result. A plugin
// failure leaves the tool in error and is reported in the result, not as
// an error.
func (s *IngestionService) Ingest(ctx context.Context, up Upload) (*IngestResult, error) {
	content, err := io.ReadAll(up.Content)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	up.Filename = filepath.Base(up.Filename)

	var tool *models.Tool
	if up.ToolID == "" {
		if tool, err = s.importTool(ctx, up); err != nil {
			return nil, err
		}
	} else {
		if tool, err = s.tools.Get(ctx, up.Engagement, up.ToolID); err != nil {
			return nil, err
		}
		if err := checkStray(tool, up.Worker); err != nil {
			return nil, err
		}
	}

	resultFile := up.Filename
	if s.files != nil {
		if resultFile, err = s.files.Save(up.Engagement, files.KindResult, tool.ID, up.Filename, bytes.NewReader(content)); err != nil {
			return nil, err
		}
	}

	in := plugins.Input{
		Engagement: up.Engagement,
		Content:    content,
		Cmdline:    tool.Text,
		Ext:        filepath.Ext(up.Filename),
		Filename:   up.Filename,
		Tool: &plugins.ToolRef{
			ID:    tool.ID,
			Wave:  tool.Wave,
			Scope: tool.Scope,
			IP:    tool.IP,
			Port:  tool.Port,
			Proto: tool.Proto,
		},
	}
	pluginName, res, parseErr := s.parse(ctx, up, tool, in)
	out := &IngestResult{ToolID: tool.ID, Plugin: pluginName, ResultFile: resultFile}
	log := s.logger.WithTool(up.Engagement, tool.ID).WithField("plugin", pluginName)

	if parseErr != nil {
		out.Status = models.StatusError
		out.Error = parseErr.Error()
		s.metrics.IncIngested(pluginName, models.StatusError)
		log.WithError(parseErr).Warn("Plugin failed on result file")
		if err := s.tools.markFailed(ctx, up.Engagement, tool, models.StatusError, truncate(parseErr.Error(), 256)); err != nil {
			return nil, err
		}
		return out, nil
	}

	out.Notes, out.Tags = res.Notes, res.Tags
	if err := s.apply(ctx, up.Engagement, tool, res, out); err != nil {
		return nil, err
	}
	if err := s.tools.markDone(ctx, up.Engagement, tool, map[string]any{
		"resultfile":  resultFile,
		"notes":       res.Notes,
		"plugin_used": pluginName,
	}); err != nil {
		return nil, err
	}
	out.Status = models.StatusDone
	s.metrics.IncIngested(pluginName, models.StatusDone)
	log.WithField("targets", out.Targets).WithField("defects", out.Defects).Info("Result ingested")
	return out, nil
}

// checkStray refuses results for tools that are not expecting one. Workers
// may only answer for a tool they run; operators may also complete a ready
// tool.
func checkStray(tool *models.Tool, worker string) error {
	lifecycle := tool.Lifecycle()
	if worker != "" {
		if lifecycle != models.StatusRunning || tool.Scanner != worker {
			return fmt.Errorf("%w: tool %s is %s", apperrors.ErrStrayResult, tool.ID, lifecycle)
		}
		return nil
	}
	if lifecycle != models.StatusRunning && lifecycle != models.StatusReady {
		return fmt.Errorf("%w: tool %s is %s", apperrors.ErrStrayResult, tool.ID, lifecycle)
	}
	return nil
}

// parse picks the plugin: the one forced by the upload, the plugin of the
// tool command, or auto-detection.
func (s *IngestionService) parse(ctx context.Context, up Upload, tool *models.Tool, in plugins.Input) (string, *plugins.Result, error) {
	name := up.Plugin
	if name == "" && tool.CommandIID != "" {
		if cmd, err := s.tools.command(ctx, up.Engagement, tool); err == nil {
			name = cmd.Plugin
		}
	}
	if name == "" || name == autoDetect {
		p, res, err := s.plugins.AutoDetect(in)
		if err != nil {
			return plugins.DefaultName, nil, err
		}
		return p.Name(), res, nil
	}

	res, err := s.plugins.Parse(name, in)
	if err != nil {
		return name, nil, err
	}
	if res == nil {
		// unrecognized by the command's plugin
		p, detected, derr := s.plugins.AutoDetect(in)
		if derr != nil {
			return name, nil, derr
		}
		return p.Name(), detected, nil
	}
	return name, res, nil
}

// apply creates the targets of res, registers tags and stores defects.
func (s *IngestionService) apply(ctx context.Context, engagement string, tool *models.Tool, res *plugins.Result, out *IngestResult) error {
	for key, target := range res.Targets {
		if target.Wave == "" {
			target.Wave = tool.Wave
		}
		ensured, err := s.targets.EnsureTarget(ctx, engagement, target)
		if err != nil {
			s.logger.WithFields(logger.Fields{
				"engagement": engagement,
				"tool_id":    tool.ID,
				"target":     key,
				"error":      err,
			}).Warn("Skipping plugin target")
			continue
		}
		out.Targets++
		if len(target.Tags) > 0 {
			if err := s.tags.Attach(ctx, engagement, ensured.Collection, ensured.ID, ensured.Entity.DetailedString(), target.Tags); err != nil {
				return err
			}
		}
	}

	if len(res.Tags) > 0 {
		if err := s.tags.Attach(ctx, engagement, models.CollTools, tool.ID, tool.DetailedString(), res.Tags); err != nil {
			return err
		}
	}

	for _, f := range res.Defects {
		d, err := s.defectFromFinding(ctx, engagement, tool, f)
		if err != nil {
			return err
		}
		r, err := s.defects.Add(ctx, engagement, d)
		if err != nil {
			s.logger.WithFields(logger.Fields{"engagement": engagement, "defect": f.Title, "error": err}).Warn("Skipping plugin defect")
			continue
		}
		if r.Res {
			out.Defects++
		}
	}
	return nil
}

// defectFromFinding binds a finding to the port or host it names, or to
// the target of the tool.
func (s *IngestionService) defectFromFinding(ctx context.Context, engagement string, tool *models.Tool, f plugins.Finding) (*models.Defect, error) {
	d := &models.Defect{
		Title:  f.Title,
		Risk:   f.Risk,
		Ease:   f.Ease,
		Impact: f.Impact,
		Types:  f.Types,
		Notes:  f.Notes,
	}
	if tpl, err := s.defects.templateFor(ctx, f.Title); err != nil {
		return nil, err
	} else if tpl != nil {
		d.Synthesis = tpl.Synthesis
		if d.Risk == "" && d.Ease == "" {
			d.Ease, d.Impact, d.Risk = tpl.Ease, tpl.Impact, tpl.Risk
		}
		if len(d.Types) == 0 {
			d.Types = tpl.Types
		}
	}

	ip, port, proto := f.IP, f.Port, f.Proto
	if ip == "" {
		ip, port, proto = tool.IP, tool.Port, tool.Proto
	}
	var target plugins.Target
	switch {
	case ip != "" && port != "":
		target = plugins.Target{Lvl: plugins.LevelPort, IP: ip, Port: port, Proto: proto, Wave: tool.Wave}
	case ip != "":
		target = plugins.Target{Lvl: plugins.LevelIP, IP: ip, Wave: tool.Wave}
	default:
		// global
		return d, nil
	}
	ensured, err := s.targets.EnsureTarget(ctx, engagement, target)
	if err != nil {
		return nil, err
	}
	d.TargetID = ensured.ID
	d.TargetType = ensured.Entity.Kind().Name
	d.IP = ip
	if port != "" {
		d.Port, d.Proto = port, proto
		if d.Proto == "" {
			d.Proto = "tcp"
		}
	}
	return d, nil
}

// importTool creates the done-to-be tool an imported file is attached to.
func (s *IngestionService) importTool(ctx context.Context, up Upload) (*models.Tool, error) {
	if err := s.targets.ensureWave(ctx, up.Engagement, ImportWave); err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(up.Filename, filepath.Ext(up.Filename))
	if name == "" {
		name = "import"
	}
	tool := &models.Tool{
		Name:   name,
		Wave:   ImportWave,
		Lvl:    "import",
		Status: []string{models.StatusReady},
	}
	res, err := s.store.InsertUnique(ctx, up.Engagement, models.CollTools, keyFilter(tool.Key()), tool, store.Notify())
	if err != nil {
		return nil, err
	}
	if res.Res {
		tool.ID = res.IID
		return tool, nil
	}
	// the same file imported again replaces the result of its tool
	existing, err := s.tools.Get(ctx, up.Engagement, res.IID)
	if err != nil {
		return nil, err
	}
	if existing.Lifecycle() == models.StatusReady {
		return existing, nil
	}
	if err := s.tools.MarkAsNotDone(ctx, up.Engagement, res.IID); err != nil {
		return nil, err
	}
	s.logger.WithTool(up.Engagement, res.IID).Debug("Reusing tool of a previous import")
	return s.tools.Get(ctx, up.Engagement, res.IID)
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
