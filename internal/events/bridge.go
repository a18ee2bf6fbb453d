package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/coterie-dev/coterie/internal/common/config"
	"github.com/coterie-dev/coterie/internal/common/logger"
	"github.com/coterie-dev/coterie/internal/events/bus"
)

// NATSBridge mirrors every event published on the in-process bus onto a
// NATS connection so external observers can follow along. The bridge is
// strictly one-way: coordination runs on the in-process bus, and a slow
// or absent NATS consumer never holds up a publisher.
type NATSBridge struct {
	conn   *nats.Conn
	sub    *bus.Subscription
	prefix string
	logger *logger.Logger
	done   chan struct{}
}

// NewNATSBridge connects to NATS and starts mirroring events from b.
func NewNATSBridge(b bus.Bus, cfg config.NATSConfig, log *logger.Logger) (*NATSBridge, error) {
	opts := []nats.Option{
		nats.Name("coterie-bridge"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait()),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	// Unbounded buffer so the mirror never back-pressures coordination.
	sub, err := b.Subscribe(AllEvents, bus.WithBuffer(0))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe for mirroring: %w", err)
	}

	br := &NATSBridge{
		conn:   conn,
		sub:    sub,
		prefix: cfg.SubjectPrefix,
		logger: log,
		done:   make(chan struct{}),
	}
	go br.run()

	log.Info("NATS bridge started",
		zap.String("url", cfg.URL),
		zap.String("subject_prefix", br.prefix))
	return br, nil
}

func (br *NATSBridge) run() {
	defer close(br.done)
	for {
		event, err := br.sub.Next(context.Background())
		if err != nil {
			return
		}

		data, err := json.Marshal(event)
		if err != nil {
			br.logger.Error("Failed to marshal event for mirror",
				zap.String("event_id", event.ID),
				zap.Error(err))
			continue
		}

		subject := event.Type
		if br.prefix != "" {
			subject = br.prefix + "." + subject
		}
		if err := br.conn.Publish(subject, data); err != nil {
			br.logger.Warn("Failed to mirror event to NATS",
				zap.String("subject", subject),
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}
}

// IsConnected reports whether the NATS connection is active.
func (br *NATSBridge) IsConnected() bool {
	return br.conn != nil && br.conn.IsConnected()
}

// Close stops mirroring and drains the NATS connection.
func (br *NATSBridge) Close() {
	br.sub.Cancel()
	<-br.done

	if err := br.conn.Drain(); err != nil {
		br.logger.Warn("Error draining NATS connection", zap.Error(err))
		br.conn.Close()
	}
	br.logger.Info("NATS bridge closed")
}
