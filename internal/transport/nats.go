package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Stream and subject names. The DLQ stream is the terminal sink for
// messages that exhaust their redelivery budget.
const (
	workflowStream  = "EXECUTE_WORKFLOW"
	workflowSubject = "execute.workflow"
	nodeStream      = "EXECUTE_NODE"
	nodeSubject     = "execute.node"
	dlqStream       = "FLOWMESH_DLQ"
	dlqSubjectBase  = "dlq"

	headerCorrelationID = "Flowmesh-Correlation-Id"
	headerReplyTo       = "Flowmesh-Reply-To"
)

var propagator = propagation.TraceContext{}

// NATSBus implements Bus over NATS JetStream. Work queues are durable
// JetStream streams with explicit acks; replies ride core NATS on a
// per-requester inbox.
type NATSBus struct {
	nc   *nats.Conn
	js   nats.JetStreamContext
	opts Options

	group string // durable consumer group name
}

// NewNATSBus connects to the broker and ensures the streams exist.
// group names the durable consumer shared by instances of one service
// ("engine" or "runner").
func NewNATSBus(url, group string, opts Options) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	bus := &NATSBus{nc: nc, js: js, opts: opts.withDefaults(), group: group}
	if err := bus.ensureStreams(); err != nil {
		nc.Close()
		return nil, err
	}

	log.Printf("[Transport] Connected to NATS at %s (group %s)", url, group)
	return bus, nil
}

func (b *NATSBus) ensureStreams() error {
	streams := []*nats.StreamConfig{
		{
			Name:      workflowStream,
			Subjects:  []string{workflowSubject},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
			MaxAge:    b.opts.WorkflowTTL,
		},
		{
			Name:      nodeStream,
			Subjects:  []string{nodeSubject},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
			MaxAge:    b.opts.NodeTTL,
		},
		{
			Name:     dlqStream,
			Subjects: []string{dlqSubjectBase + ".>"},
			Storage:  nats.FileStorage,
		},
	}

	for _, cfg := range streams {
		if _, err := b.js.AddStream(cfg); err != nil {
			if _, uerr := b.js.UpdateStream(cfg); uerr != nil {
				return fmt.Errorf("failed to ensure stream %s: %w", cfg.Name, err)
			}
		}
	}
	return nil
}

// PublishWorkflow enqueues an ExecuteWorkflow job with trace context and
// correlation id in the headers.
func (b *NATSBus) PublishWorkflow(ctx context.Context, msg *ExecuteWorkflowMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode workflow message: %w", err)
	}

	m := &nats.Msg{Subject: workflowSubject, Data: data, Header: nats.Header{}}
	m.Header.Set(headerCorrelationID, msg.CorrelationID)
	propagator.Inject(ctx, propagation.HeaderCarrier(m.Header))

	// Message id = execution id so the broker deduplicates double submits
	// inside its dedup window.
	if _, err := b.js.PublishMsg(m, nats.MsgId(msg.ExecutionID)); err != nil {
		return fmt.Errorf("failed to publish workflow job: %w", err)
	}
	return nil
}

// SubscribeWorkflow consumes ExecuteWorkflow jobs with explicit acks and
// the workflow prefetch as MaxAckPending.
func (b *NATSBus) SubscribeWorkflow(ctx context.Context, handler WorkflowHandler) error {
	sub, err := b.js.QueueSubscribe(workflowSubject, b.group, func(m *nats.Msg) {
		b.handleDelivery(ctx, m, func(ctx context.Context) error {
			var msg ExecuteWorkflowMessage
			if err := json.Unmarshal(m.Data, &msg); err != nil {
				return fmt.Errorf("malformed workflow message: %w", err)
			}
			info := DeliveryInfo{NumDelivered: 1}
			if meta, err := m.Metadata(); err == nil {
				info.NumDelivered = int(meta.NumDelivered)
				info.Redelivered = meta.NumDelivered > 1
			}
			return handler(ctx, &msg, info)
		})
	},
		nats.Durable(b.group+"-workflow"),
		nats.ManualAck(),
		nats.AckWait(2*time.Minute),
		nats.MaxAckPending(b.opts.WorkflowPrefetch),
		nats.MaxDeliver(b.opts.MaxRedeliveries+1),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", workflowSubject, err)
	}
	defer sub.Drain()

	<-ctx.Done()
	return ctx.Err()
}

// RequestNode publishes an ExecuteNode request and awaits the reply on a
// fresh inbox. The remote execution is never cancelled on timeout.
func (b *NATSBus) RequestNode(ctx context.Context, req *ExecuteNodeRequest, timeout time.Duration) (*ExecuteNodeReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode node request: %w", err)
	}

	inbox := nats.NewInbox()
	replyCh := make(chan *nats.Msg, 1)
	sub, err := b.nc.Subscribe(inbox, func(m *nats.Msg) {
		select {
		case replyCh <- m:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to reply inbox: %w", err)
	}
	defer sub.Unsubscribe()

	m := &nats.Msg{Subject: nodeSubject, Data: data, Header: nats.Header{}}
	m.Header.Set(headerCorrelationID, req.CorrelationID)
	m.Header.Set(headerReplyTo, inbox)
	propagator.Inject(ctx, propagation.HeaderCarrier(m.Header))

	if _, err := b.js.PublishMsg(m, nats.MsgId(dedupKey(req))); err != nil {
		return nil, fmt.Errorf("failed to publish node request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case raw := <-replyCh:
		var reply ExecuteNodeReply
		if err := json.Unmarshal(raw.Data, &reply); err != nil {
			return nil, fmt.Errorf("malformed node reply: %w", err)
		}
		return &reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: node %s attempt %d after %s", ErrRequestTimeout, req.NodeID, req.Attempt, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubscribeNode consumes ExecuteNode requests and sends each handler reply
// to the requester's inbox.
func (b *NATSBus) SubscribeNode(ctx context.Context, handler NodeHandler) error {
	sub, err := b.js.QueueSubscribe(nodeSubject, b.group, func(m *nats.Msg) {
		b.handleDelivery(ctx, m, func(ctx context.Context) error {
			var req ExecuteNodeRequest
			if err := json.Unmarshal(m.Data, &req); err != nil {
				return fmt.Errorf("malformed node request: %w", err)
			}

			reply := handler(ctx, &req)
			if reply == nil {
				return fmt.Errorf("node handler returned no reply for %s", dedupKey(&req))
			}

			replyTo := m.Header.Get(headerReplyTo)
			if replyTo == "" {
				// The requester gave no reply inbox; the reply is not
				// sent and the request is acked.
				return nil
			}

			data, err := json.Marshal(reply)
			if err != nil {
				return fmt.Errorf("failed to encode node reply: %w", err)
			}
			return b.nc.Publish(replyTo, data)
		})
	},
		nats.Durable(b.group+"-node"),
		nats.ManualAck(),
		nats.AckWait(5*time.Minute),
		nats.MaxAckPending(b.opts.NodePrefetch),
		nats.MaxDeliver(b.opts.MaxRedeliveries+1),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", nodeSubject, err)
	}
	defer sub.Drain()

	<-ctx.Done()
	return ctx.Err()
}

// handleDelivery runs one message through fn with extracted trace context
// and applies the ack/nak/DLQ policy to the outcome.
func (b *NATSBus) handleDelivery(ctx context.Context, m *nats.Msg, fn func(context.Context) error) {
	msgCtx := propagator.Extract(ctx, propagation.HeaderCarrier(m.Header))
	tr := otel.Tracer("flowmesh-transport")
	msgCtx, span := tr.Start(msgCtx, "bus.consume "+m.Subject, trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	err := fn(msgCtx)
	if err == nil {
		if ackErr := m.Ack(); ackErr != nil {
			log.Printf("[Transport] Failed to ack message on %s: %v", m.Subject, ackErr)
		}
		return
	}

	if errors.Is(err, ErrRequeue) {
		if nakErr := m.NakWithDelay(b.opts.RequeueDelay); nakErr != nil {
			log.Printf("[Transport] Failed to nak message on %s: %v", m.Subject, nakErr)
		}
		return
	}

	meta, metaErr := m.Metadata()
	if metaErr == nil && int(meta.NumDelivered) > b.opts.MaxRedeliveries {
		// Redelivery budget exhausted: route to the DLQ and ack so the
		// work queue stops replaying it.
		dlqSubj := fmt.Sprintf("%s.%s", dlqSubjectBase, m.Subject)
		dlqMsg := &nats.Msg{Subject: dlqSubj, Data: m.Data, Header: m.Header}
		if _, pubErr := b.js.PublishMsg(dlqMsg); pubErr != nil {
			log.Printf("[Transport] Failed to route message to DLQ %s: %v", dlqSubj, pubErr)
			m.Nak()
			return
		}
		log.Printf("[Transport] Routed message on %s to DLQ after %d deliveries: %v", m.Subject, meta.NumDelivered, err)
		m.Ack()
		return
	}

	log.Printf("[Transport] Handler error on %s (will redeliver): %v", m.Subject, err)
	m.Nak()
}

// Close drains the connection.
func (b *NATSBus) Close() error {
	return b.nc.Drain()
}

func dedupKey(req *ExecuteNodeRequest) string {
	return fmt.Sprintf("%s/%s/%d", req.ExecutionID, req.NodeID, req.Attempt)
}

