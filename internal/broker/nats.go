package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/stafflink-ai/employee-stream/internal/model"
	"github.com/stafflink-ai/employee-stream/pkg/logger"
)

// subjectPrefix is the prefix for all run-event subjects.
const subjectPrefix = "runs"

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	URL      string
	CAFile   string
	CertFile string
	KeyFile  string
	Token    string
}

// NATS distributes run events over core NATS pub/sub, letting several gateway
// instances serve stream connections for runs started elsewhere.
type NATS struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// ConnectNATS establishes a NATS-backed broker.
func ConnectNATS(cfg NATSConfig, log *logger.Logger) (*NATS, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warnw("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infow("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Errorw("NATS error", "error", err)
		}),
	}

	if cfg.CAFile != "" && cfg.CertFile != "" && cfg.KeyFile != "" {
		tlsConfig, err := createTLSConfig(cfg.CAFile, cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATS{conn: nc, logger: log}, nil
}

func subject(tenantID, employeeID string) string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, tenantID, employeeID)
}

// Publish implements Broker.
func (n *NATS) Publish(_ context.Context, tenantID, employeeID string, ev model.ChatEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := n.conn.Publish(subject(tenantID, employeeID), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// guardedChan hands run events to a subscriber channel. Unsubscribe cannot
// wait out an in-flight NATS delivery callback, so the send and the close
// share a lock: once closed, late deliveries are dropped instead of panicking
// on a closed channel.
type guardedChan struct {
	mu     sync.Mutex
	ch     chan model.ChatEvent
	closed bool
}

func newGuardedChan() *guardedChan {
	return &guardedChan{ch: make(chan model.ChatEvent, subscriberBuffer)}
}

// send delivers ev unless the channel is closed or full. Reports whether the
// event was accepted.
func (g *guardedChan) send(ev model.ChatEvent) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	select {
	case g.ch <- ev:
		return true
	default:
		return false
	}
}

// close closes the channel exactly once.
func (g *guardedChan) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	close(g.ch)
}

// Subscribe implements Broker.
func (n *NATS) Subscribe(_ context.Context, tenantID, employeeID string) (<-chan model.ChatEvent, func(), error) {
	gc := newGuardedChan()

	sub, err := n.conn.Subscribe(subject(tenantID, employeeID), func(msg *nats.Msg) {
		var ev model.ChatEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			n.logger.Warnw("dropping undecodable run event", "subject", msg.Subject, "error", err)
			return
		}
		if !gc.send(ev) {
			n.logger.Warnw("dropping event for closed or slow subscriber",
				"tenant_id", tenantID, "employee_id", employeeID, "state", ev.State)
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	unsubscribe := func() {
		_ = sub.Unsubscribe()
		gc.close()
	}
	return gc.ch, unsubscribe, nil
}

// Close implements Broker.
func (n *NATS) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}

// IsConnected reports whether the underlying NATS connection is up.
func (n *NATS) IsConnected() bool {
	return n.conn != nil && n.conn.IsConnected()
}

func createTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}

	return &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
