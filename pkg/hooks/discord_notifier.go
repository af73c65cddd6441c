package hooks

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pollenisator/internal/models"
	"pollenisator/internal/notification"
	"pollenisator/pkg/logger"
)

// PwnedTagPrefix marks tags that announce a compromised target.
const PwnedTagPrefix = "pwned"

const (
	defaultAlertWorkers = 3
	defaultThrottle     = 500 * time.Millisecond
	alertBuffer         = 64
)

// DiscordNotifier posts alerts for pwned tags and severe defects. Alerts are
// queued and sent by a few workers, each pausing between messages to stay
// under the Discord rate limits.
type DiscordNotifier struct {
	sender   notification.Sender
	alerts   chan notification.Message
	throttle time.Duration
	workers  int
	logger   *logger.Logger

	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

type NotifierOption func(*DiscordNotifier)

func WithThrottle(d time.Duration) NotifierOption {
	return func(n *DiscordNotifier) { n.throttle = d }
}

func WithAlertWorkers(count int) NotifierOption {
	return func(n *DiscordNotifier) {
		if count > 0 {
			n.workers = count
		}
	}
}

func WithNotifierLogger(l *logger.Logger) NotifierOption {
	return func(n *DiscordNotifier) { n.logger = l }
}

func NewDiscordNotifier(sender notification.Sender, opts ...NotifierOption) *DiscordNotifier {
	n := &DiscordNotifier{
		sender:   sender,
		alerts:   make(chan notification.Message, alertBuffer),
		throttle: defaultThrottle,
		workers:  defaultAlertWorkers,
		logger:   logger.NewLogger(logrus.InfoLevel),
	}
	for _, opt := range opts {
		opt(n)
	}

	for i := 0; i < n.workers; i++ {
		n.wg.Add(1)
		go n.run()
	}
	return n
}

func (n *DiscordNotifier) run() {
	defer n.wg.Done()
	for msg := range n.alerts {
		if err := n.sender.Send(msg); err != nil {
			n.logger.WithFields(logger.Fields{
				"title": msg.Title,
				"error": err,
			}).Error("Failed to send Discord notification")
		}
		time.Sleep(n.throttle)
	}
}

func (n *DiscordNotifier) enqueue(msg notification.Message) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return false
	}
	select {
	case n.alerts <- msg:
		return true
	default:
		n.logger.WithFields(logger.Fields{"title": msg.Title}).Warn("Alert queue full, dropping notification")
		return false
	}
}

// NotifyTags alerts once per pwned tag and returns how many were queued.
func (n *DiscordNotifier) NotifyTags(engagement, target string, tags []string) int {
	queued := 0
	for _, tag := range tags {
		if !strings.HasPrefix(tag, PwnedTagPrefix) {
			continue
		}
		msg := notification.Message{
			Title:       fmt.Sprintf("%s %s", severityEmoji("pwned"), tag),
			Description: fmt.Sprintf("**Target:** `%s`", target),
			Severity:    "pwned",
			Fields: map[string]string{
				"Engagement": engagement,
				"Tag":        tag,
			},
		}
		if n.enqueue(msg) {
			queued++
		}
	}
	return queued
}

// NotifyDefect alerts on Critical and Major defects.
func (n *DiscordNotifier) NotifyDefect(engagement string, d *models.Defect) bool {
	if d.Risk != models.RiskCritical && d.Risk != models.RiskMajor {
		return false
	}
	return n.enqueue(buildDefectMessage(engagement, d))
}

func buildDefectMessage(engagement string, d *models.Defect) notification.Message {
	descText := fmt.Sprintf("**Target:** `%s`", d.DetailedString())
	if notes := strings.TrimSpace(d.Notes); notes != "" {
		if len(notes) > 200 {
			notes = notes[:197] + "..."
		}
		descText = fmt.Sprintf("%s\n\n%s", notes, descText)
	}

	msg := notification.Message{
		Title:       fmt.Sprintf("%s %s", severityEmoji(d.Risk), d.Title),
		Description: descText,
		Severity:    d.Risk,
		Fields: map[string]string{
			"Risk":       strings.ToUpper(d.Risk),
			"Engagement": engagement,
		},
	}
	if d.IP != "" {
		msg.Fields["IP"] = d.IP
	}
	if len(d.Types) > 0 {
		msg.Fields["Types"] = strings.Join(d.Types, ", ")
	}
	return msg
}

func severityEmoji(severity string) string {
	switch severity {
	case "pwned":
		return "🏴"
	case models.RiskCritical:
		return "🔴"
	case models.RiskMajor:
		return "🟠"
	default:
		return "🟡"
	}
}

// Close drains queued alerts and closes the sender.
func (n *DiscordNotifier) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		close(n.alerts)
		n.mu.Unlock()
		n.wg.Wait()
		err = n.sender.Close()
	})
	return err
}
