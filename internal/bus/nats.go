package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"pollenisator/internal/metrics"
	"pollenisator/internal/models"
	"pollenisator/pkg/logger"
)

// ConnectNATS dials the broker used to mirror change events.
func ConnectNATS(url string, log *logger.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("pollenisator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithFields(logger.Fields{"url": c.ConnectedUrl()}).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Publisher is the part of a NATS connection the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NatsForwarder publishes every change event on <prefix>.<engagement>.notif.
type NatsForwarder struct {
	pub     Publisher
	prefix  string
	metrics *metrics.Metrics
}

func NewNatsForwarder(pub Publisher, prefix string, m *metrics.Metrics) *NatsForwarder {
	if prefix == "" {
		prefix = GlobalRoom
	}
	return &NatsForwarder{pub: pub, prefix: prefix, metrics: m}
}

// Subject is where events of engagement are published.
func (f *NatsForwarder) Subject(engagement string) string {
	if engagement == "" {
		engagement = models.GlobalNamespace
	}
	return f.prefix + "." + engagement + ".notif"
}

func (f *NatsForwarder) Forward(ev models.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	if err := f.pub.Publish(f.Subject(ev.Engagement), data); err != nil {
		f.metrics.IncNatsPublishErrors()
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}
