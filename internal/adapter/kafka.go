package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/fleetgate/internal/instance"
	"github.com/KafClaw/fleetgate/internal/secrets"
)

// Instance options understood by the Kafka adapter.
const (
	OptRequestTopic = "request_topic"
	OptReplyTopic   = "reply_topic"
)

// kafkaTarget is everything needed to open request/reply streams to one instance.
type kafkaTarget struct {
	InstanceID   string
	Brokers      []string
	RequestTopic string
	ReplyTopic   string
	GroupID      string
	Security     kafkaSecurity
}

// KafkaAdapter drives runtimes that consume request envelopes from a topic and
// publish replies to a per-gateway reply topic. Envelopes are Frames keyed by
// instance id and correlated by frame id.
type KafkaAdapter struct {
	rpcOps
	opts Options
	dial func(ctx context.Context, t kafkaTarget) (frameConn, error)
}

// NewKafkaAdapter creates the Kafka runtime adapter.
func NewKafkaAdapter(opts Options) *KafkaAdapter {
	a := &KafkaAdapter{rpcOps: rpcOps{runtime: instance.RuntimeKafka}, opts: opts}
	a.dial = a.dialKafka
	return a
}

func (a *KafkaAdapter) Runtime() instance.Runtime { return instance.RuntimeKafka }

// target resolves brokers, topics and security for an instance.
func (a *KafkaAdapter) target(inst instance.Instance) (kafkaTarget, error) {
	t := kafkaTarget{InstanceID: inst.ID}

	endpoint := strings.TrimPrefix(strings.TrimSpace(inst.Endpoint), "kafka://")
	for _, b := range strings.Split(endpoint, ",") {
		if b = strings.TrimSpace(b); b != "" {
			t.Brokers = append(t.Brokers, b)
		}
	}
	if len(t.Brokers) == 0 {
		t.Brokers = a.opts.KafkaBrokers
	}
	if len(t.Brokers) == 0 {
		return t, fmt.Errorf("no brokers configured")
	}
	for _, b := range t.Brokers {
		if !safeHost.MatchString(b) {
			return t, fmt.Errorf("invalid broker: %q", b)
		}
	}

	t.RequestTopic = inst.Option(OptRequestTopic, "fleet."+inst.ID+".requests")
	prefix := a.opts.KafkaReplyTopicPrefix
	if prefix == "" {
		prefix = "fleet.replies"
	}
	t.ReplyTopic = inst.Option(OptReplyTopic, prefix+"."+a.opts.gatewayID()+"."+inst.ID)
	t.GroupID = a.opts.gatewayID() + "-" + inst.ID

	password, err := secrets.Resolve(inst.Credential)
	if err != nil {
		return t, err
	}
	t.Security, err = kafkaSecurityFromOptions(inst.Options, password)
	if err != nil {
		return t, err
	}
	return t, nil
}

// Connect opens the request writer and reply reader, then pings the instance
// through them. A runtime that is not consuming its request topic fails here.
func (a *KafkaAdapter) Connect(ctx context.Context, inst instance.Instance) (Client, error) {
	t, err := a.target(inst)
	if err != nil {
		return nil, fmt.Errorf("kafka connect %s: %w", inst.ID, err)
	}
	conn, err := a.dial(ctx, t)
	if err != nil {
		return nil, transportErr(a.Runtime(), "connect", err)
	}
	c := newRPCClient(inst.ID, a.Runtime(), conn)
	c.replyTo = t.ReplyTopic
	if err := a.handshake(ctx, c); err != nil {
		return nil, err
	}
	slog.Debug("KafkaAdapter: connected", "instance", inst.ID, "request_topic", t.RequestTopic, "reply_topic", t.ReplyTopic)
	return c, nil
}

func (a *KafkaAdapter) dialKafka(ctx context.Context, t kafkaTarget) (frameConn, error) {
	timeout := a.opts.dialTimeout()
	w := &kafka.Writer{
		Addr:                   kafka.TCP(t.Brokers...),
		Topic:                  t.RequestTopic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Transport:              t.Security.transport(timeout),
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     t.Brokers,
		Topic:       t.ReplyTopic,
		GroupID:     t.GroupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		Dialer:      t.Security.dialer(timeout),
	})
	return &kafkaConn{key: []byte(t.InstanceID), writer: w, reader: r}, nil
}

// kafkaConn carries frames as Kafka messages.
type kafkaConn struct {
	key    []byte
	writer *kafka.Writer
	reader *kafka.Reader
}

func (k *kafkaConn) send(ctx context.Context, f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:     k.key,
		Value:   data,
		Headers: []kafka.Header{{Key: "fleetgate-frame", Value: []byte(f.Type)}},
	})
}

// recv skips messages that are not valid frames. Reply topics can be shared
// with other producers and a stray record must not break the client.
func (k *kafkaConn) recv(ctx context.Context) (*Frame, error) {
	for {
		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			return nil, err
		}
		var f Frame
		if err := json.Unmarshal(msg.Value, &f); err != nil || f.ID == "" {
			slog.Warn("KafkaAdapter: skipping malformed reply", "topic", msg.Topic, "offset", msg.Offset)
			continue
		}
		return &f, nil
	}
}

func (k *kafkaConn) close() error {
	werr := k.writer.Close()
	rerr := k.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
