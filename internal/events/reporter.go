package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// WireEntity is one entity attached to an external event record.
type WireEntity struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// WireEvent is the AHTI-compatible external serialization (spec §6.4).
type WireEvent struct {
	ID        string       `json:"id"`
	Timestamp string       `json:"timestamp"`
	Type      string       `json:"type"`
	Subtype   string       `json:"subtype,omitempty"`
	Severity  string       `json:"severity"`
	Outcome   string       `json:"outcome,omitempty"`
	Cluster   string       `json:"cluster,omitempty"`
	Namespace string       `json:"namespace,omitempty"`
	Source    string       `json:"source"`
	TraceID   string       `json:"trace_id,omitempty"`
	SpanID    string       `json:"span_id,omitempty"`
	Entities  []WireEntity `json:"entities,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

var wireTypeMap = map[Type]string{
	RunStarted:    "ci_run_started",
	RunCompleted:  "ci_run_completed",
	TaskStarted:   "ci_task_started",
	TaskCompleted: "ci_task_completed",
	TaskOutput:    "ci_task_output",
	GateWaiting:   "ci_task_gate_waiting",
	GateResolved:  "ci_task_gate_resolved",
	CredentialExchange: "ci_task_credential_exchange",
}

// ToWire maps an internal Event to the external interoperable shape.
func ToWire(ev Event) WireEvent {
	severity := "info"
	if outcome, _ := ev.Data["outcome"].(string); outcome == "failed" {
		severity = "error"
	}
	name, _ := ev.Data["name"].(string)
	return WireEvent{
		ID:        ev.ID,
		Timestamp: ev.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		Type:      wireTypeMap[ev.Type],
		Severity:  severity,
		Outcome:   stringField(ev.Data, "outcome"),
		Source:    "sykli",
		TraceID:   ev.TraceID,
		SpanID:    ev.SpanID,
		Entities: []WireEntity{{
			Type: "task", ID: name, Name: name, State: stringField(ev.Data, "outcome"),
		}},
		Labels: map[string]string{"run_id": ev.RunID, "node": ev.Node},
	}
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

// ReporterStatus mirrors the Reporter contract's status() response.
type ReporterStatus struct {
	Coordinator string
	Connected   bool
	Buffered    int
}

const reporterBufferCap = 1000

// Reporter forwards bus events to a remote coordinator over NATS,
// buffering while disconnected and dropping task_output under
// backpressure (spec §4.6). Grounded on libs/go/core/natsctx's trace
// propagation pattern, generalized from a request/reply helper into a
// standing forwarder.
type Reporter struct {
	mu          sync.Mutex
	nc          *nats.Conn
	subject     string
	coordinator string
	connected   bool
	buffer      []Event
	tracer      trace.Tracer
}

// NewReporter constructs a disconnected Reporter targeting subject on the
// given coordinator URL; call Connect to attempt the NATS dial.
func NewReporter(coordinator, subject string, tracer trace.Tracer) *Reporter {
	return &Reporter{coordinator: coordinator, subject: subject, tracer: tracer}
}

// Connect dials the coordinator and drains any buffered events in
// insertion order.
func (r *Reporter) Connect() error {
	nc, err := nats.Connect(r.coordinator)
	if err != nil {
		slog.Warn("reporter: coordinator unreachable, buffering locally", "coordinator", r.coordinator, "error", err)
		return err
	}
	r.mu.Lock()
	r.nc = nc
	r.connected = true
	buffered := r.buffer
	r.buffer = nil
	r.mu.Unlock()

	for _, ev := range buffered {
		r.publish(ev)
	}
	return nil
}

// Status reports the Reporter contract's status() shape.
func (r *Reporter) Status() ReporterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReporterStatus{Coordinator: r.coordinator, Connected: r.connected, Buffered: len(r.buffer)}
}

// Forward is the subscriber callback wired to the local event bus.
func (r *Reporter) Forward(ev Event) {
	r.mu.Lock()
	connected := r.connected
	r.mu.Unlock()

	if !connected {
		if ev.Type == TaskOutput {
			return // dropped under backpressure per spec
		}
		r.mu.Lock()
		if len(r.buffer) >= reporterBufferCap {
			r.buffer = r.buffer[1:]
		}
		r.buffer = append(r.buffer, ev)
		r.mu.Unlock()
		return
	}
	r.publish(ev)
}

func (r *Reporter) publish(ev Event) {
	wire := ToWire(ev)
	data, err := json.Marshal(wire)
	if err != nil {
		slog.Warn("reporter: marshal failed", "error", err)
		return
	}

	ctx := context.Background()
	msg := nats.NewMsg(r.subject)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))

	r.mu.Lock()
	nc := r.nc
	r.mu.Unlock()
	if nc == nil {
		return
	}
	if err := nc.PublishMsg(msg); err != nil {
		slog.Warn("reporter: publish failed, will re-buffer", "error", err)
		r.mu.Lock()
		r.connected = false
		r.buffer = append(r.buffer, ev)
		r.mu.Unlock()
	}
}

// Close drains and closes the underlying NATS connection.
func (r *Reporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nc != nil {
		r.nc.Close()
	}
	r.connected = false
}
