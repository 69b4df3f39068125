// Package natsfwd forwards terminal search outcomes to a NATS subject so
// other processes (trip booking, analytics) can react without holding a
// direct reference to the client bus.
package natsfwd

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/matchclient/internal/search/bus"
	"github.com/example/matchclient/internal/search/domain"
	"github.com/example/matchclient/internal/search/orchestrator"
)

const subscriberID = "nats-forwarder"

// Conn is the slice of the NATS client the forwarder needs.
type Conn interface {
	PublishMsg(msg *nats.Msg) error
}

// Forwarder republishes bus events onto NATS. Publishing is best-effort:
// delivery failures are logged and never propagate back into the search flow.
type Forwarder struct {
	conn    Conn
	subject string
	logger  *zap.Logger
}

// New builds a Forwarder for the given subject.
func New(conn Conn, subject string, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{conn: conn, subject: subject, logger: logger}
}

// Attach subscribes the forwarder to the terminal-outcome topic.
func (f *Forwarder) Attach(b *bus.Bus) error {
	return b.Subscribe(orchestrator.TopicTerminal, subscriberID, f.handle)
}

// Detach removes the subscription.
func (f *Forwarder) Detach(b *bus.Bus) {
	b.Unsubscribe(orchestrator.TopicTerminal, subscriberID)
}

func (f *Forwarder) handle(e bus.Event) {
	if f == nil || f.conn == nil {
		return
	}
	event, ok := e.Payload.(domain.MatchingEvent)
	if !ok {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		f.logger.Warn("marshal terminal event", zap.Error(err))
		return
	}

	msg := &nats.Msg{Subject: f.subject, Data: payload, Header: map[string][]string{
		"x-event-type": {string(event.Type)},
		"x-search-id":  {event.SearchID},
	}}
	if err := f.conn.PublishMsg(msg); err != nil {
		f.logger.Warn("forward terminal event",
			zap.String("search_id", event.SearchID), zap.Error(err))
	}
}
