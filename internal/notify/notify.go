// Package notify optionally publishes scheduler cache events (hits, misses,
// and writes) to NATS on the cache.invalidated subject, so other processes
// sharing the same storage root can react to a plugin's output changing
// without polling.
package notify

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/snowingwolf/waveflow/internal/errs"
	"github.com/snowingwolf/waveflow/internal/scheduler"
)

// Subject is the NATS subject cache events are published to.
const Subject = "cache.invalidated"

// Event is the JSON payload published on Subject.
type Event struct {
	Kind  string `json:"kind"`
	RunID string `json:"run_id"`
	Name  string `json:"name"`
	Key   string `json:"key"`
}

// Publisher publishes scheduler cache events to NATS. A nil Publisher (or
// one constructed with a nil connection) is a valid no-op, so the framework
// never requires a message broker to function.
type Publisher struct {
	conn *nats.Conn
}

// Connect dials url and returns a Publisher. Callers typically wire its
// OnCacheEvent method into scheduler.Scheduler.OnCacheEvent.
func Connect(url string) (*Publisher, error) {
	if url == "" {
		return &Publisher{}, nil
	}
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "connecting to NATS", err)
	}
	return &Publisher{conn: conn}, nil
}

// Close drains and closes the underlying NATS connection, if any.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// Publish sends ev on Subject. A no-op when the Publisher has no live
// connection.
func (p *Publisher) Publish(ev Event) {
	if p.conn == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Msg("failed to marshal cache event")
		return
	}
	if err := p.conn.Publish(Subject, data); err != nil {
		log.Warn().Err(err).Msg("failed to publish cache event")
	}
}

// OnCacheEvent adapts Publish to scheduler.Scheduler.OnCacheEvent's
// function signature.
func (p *Publisher) OnCacheEvent(ev scheduler.CacheEvent) {
	p.Publish(Event{Kind: ev.Kind, RunID: ev.RunID, Name: ev.Name, Key: ev.Key})
}
