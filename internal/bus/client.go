// Package bus publishes quaestor's lifecycle events on NATS and hands the
// underlying connection to the JetStream-backed session store.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectCaseClassified carries completed case classifications for
// downstream consumers (the precedent indexer, dashboards).
const SubjectCaseClassified = "compliance.case.classified"

// CaseClassified is the event payload published when a session reaches a
// terminal classification, model-driven or forced.
type CaseClassified struct {
	SessionID       string `json:"session_id"`
	CaseDescription string `json:"case_description"`
	Lawfulness      string `json:"lawfulness_of_processing"`
	Rights          string `json:"data_subject_rights_compliance"`
	Risk            string `json:"risk_management_and_safeguards"`
	Accountability  string `json:"accountability_and_governance"`
	Rounds          int    `json:"rounds"`
	Forced          bool   `json:"forced"`
	ClassifiedAt    string `json:"classified_at"`
}

type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
}

func NewClient(url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// Conn exposes the connection for the JetStream KV session store.
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

func (c *Client) Close() {
	c.conn.Close()
}
