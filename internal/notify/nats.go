package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix roots every notification subject.
const DefaultSubjectPrefix = "sacristy.notify"

const notifyStream = "SACRISTY_NOTIFY"

// Publisher is satisfied by *nats.Conn and JetStreamPublisher.
type Publisher interface {
	Publish(subject string, payload []byte) error
}

// JetStreamPublisher publishes with JetStream acknowledgements.
type JetStreamPublisher struct {
	JS nats.JetStreamContext
}

func (p JetStreamPublisher) Publish(subject string, payload []byte) error {
	_, err := p.JS.Publish(subject, payload)
	return err
}

// NATSSink publishes messages on "<prefix>.<target subject>".
type NATSSink struct {
	pub    Publisher
	prefix string
}

func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{pub: pub, prefix: prefix}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Deliver(ctx context.Context, to Target, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.pub.Publish(s.prefix+"."+to.Subject(), data)
}

// ConnectNATS dials url, retrying until timeout elapses.
func ConnectNATS(url string, timeout time.Duration) (*nats.Conn, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		conn, err := nats.Connect(url, nats.Name("sacristy-api"))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("connect nats timeout after %s: %w", timeout, lastErr)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// EnsureStream creates the notification stream capturing "<prefix>.>"
// when it does not exist yet.
func EnsureStream(js nats.JetStreamContext, prefix string) error {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if _, err := js.StreamInfo(notifyStream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:      notifyStream,
			Subjects:  []string{prefix + ".>"},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			MaxAge:    7 * 24 * time.Hour,
			Replicas:  1,
		}); err != nil {
			return err
		}
	}
	return nil
}
