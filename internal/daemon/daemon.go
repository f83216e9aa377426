// Package daemon runs the long-lived message loop: channel listeners
// feed one inbound queue, and a single-flight worker processes messages
// strictly one at a time.
package daemon

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"bashobot/internal/events"
)

// heartbeatSession is the dedicated session for synthetic system checks.
const heartbeatSession = "heartbeat"

// heartbeatPrompt is the synthetic message injected on each interval.
const heartbeatPrompt = "System check: reply with HEARTBEAT_OK if everything is fine, or describe any problem."

// Message is one inbound message with its reply path. Reply is invoked
// exactly once with the orchestrator's response.
type Message struct {
	SessionID string
	Text      string
	Source    string
	Reply     func(text string)
}

// Listener is an inbound channel adapter. Run blocks until ctx is
// cancelled or the listener fails, submitting messages as they arrive.
type Listener interface {
	Name() string
	Run(ctx context.Context, submit func(Message)) error
}

// Processor is the orchestrator's contract, one reply per message.
type Processor interface {
	ProcessMessage(ctx context.Context, sessionID, text, source string) string
}

// Daemon owns the queue, the listeners, and the heartbeat ticker.
type Daemon struct {
	processor         Processor
	listeners         []Listener
	bus               *events.Bus
	queue             chan Message
	stopped           chan struct{}
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

// Config sizes the queue and heartbeat. A zero HeartbeatInterval
// disables the heartbeat.
type Config struct {
	QueueSize         int
	HeartbeatInterval time.Duration
}

// New creates a daemon. Listeners are registered before Run.
func New(processor Processor, cfg Config, bus *events.Bus, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Daemon{
		processor:         processor,
		bus:               bus,
		queue:             make(chan Message, cfg.QueueSize),
		stopped:           make(chan struct{}),
		heartbeatInterval: cfg.HeartbeatInterval,
		logger:            logger.With("component", "daemon"),
	}
}

// AddListener registers an inbound channel. Must be called before Run.
func (d *Daemon) AddListener(l Listener) {
	d.listeners = append(d.listeners, l)
}

// Submit enqueues a message. Blocks when the queue is full, but never
// past shutdown: once Run begins stopping, pending submits return and
// the message is dropped, so a listener blocked on a full queue cannot
// keep Run from terminating.
func (d *Daemon) Submit(msg Message) {
	select {
	case d.queue <- msg:
	case <-d.stopped:
	}
}

// Run starts all listeners and processes the queue until ctx is
// cancelled. Messages are handled strictly one at a time; queued
// messages not yet processed at shutdown are dropped.
func (d *Daemon) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, l := range d.listeners {
		wg.Add(1)
		go func(l Listener) {
			defer wg.Done()
			d.logger.Info("listener starting", "channel", l.Name())
			d.bus.Publish(events.Event{
				Source: events.SourceChannel,
				Kind:   events.KindListenerUp,
				Data:   map[string]any{"channel": l.Name()},
			})
			err := l.Run(ctx, d.Submit)
			data := map[string]any{"channel": l.Name()}
			if err != nil && ctx.Err() == nil {
				d.logger.Error("listener stopped", "channel", l.Name(), "error", err)
				data["error"] = err.Error()
			} else {
				d.logger.Info("listener stopped", "channel", l.Name())
			}
			d.bus.Publish(events.Event{
				Source: events.SourceChannel,
				Kind:   events.KindListenerDown,
				Data:   data,
			})
		}(l)
	}

	if d.heartbeatInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runHeartbeat(ctx)
		}()
	}

	d.logger.Info("daemon loop started",
		"listeners", len(d.listeners), "queue_size", cap(d.queue))

	for {
		select {
		case <-ctx.Done():
			close(d.stopped)
			wg.Wait()
			d.logger.Info("daemon loop stopped")
			return ctx.Err()
		case msg := <-d.queue:
			reply := d.processor.ProcessMessage(ctx, msg.SessionID, msg.Text, msg.Source)
			if msg.Reply != nil {
				msg.Reply(reply)
			}
		}
	}
}

// runHeartbeat injects a synthetic system-check message per interval.
// All-clear replies are suppressed; anything else is logged as a
// warning so a failing heartbeat is visible.
func (d *Daemon) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.bus.Publish(events.Event{
				Source: events.SourceDaemon,
				Kind:   events.KindHeartbeat,
				Data:   map[string]any{"session": heartbeatSession},
			})
			d.Submit(Message{
				SessionID: heartbeatSession,
				Text:      heartbeatPrompt,
				Source:    "heartbeat",
				Reply: func(text string) {
					if isHeartbeatOK(text) {
						d.logger.Debug("heartbeat ok")
						return
					}
					d.logger.Warn("heartbeat reported a problem", "reply", text)
				},
			})
		}
	}
}

// isHeartbeatOK reports whether a heartbeat reply is the all-clear
// acknowledgement and should be suppressed.
func isHeartbeatOK(text string) bool {
	switch strings.ToUpper(strings.Trim(strings.TrimSpace(text), ".!")) {
	case "HEARTBEAT_OK", "OK":
		return true
	}
	return false
}
