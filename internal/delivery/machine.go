// Package delivery drives outgoing messages through their lifecycle:
// optimistic insert, send, acknowledgement or failure, retry and discard.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/siawfish/kyoos-sub001/internal/bus"
	"github.com/siawfish/kyoos-sub001/internal/conn"
	"github.com/siawfish/kyoos-sub001/internal/message"
	"github.com/siawfish/kyoos-sub001/internal/metrics"
	"github.com/siawfish/kyoos-sub001/internal/store"
	"github.com/siawfish/kyoos-sub001/internal/wire"
	"go.uber.org/zap"
)

var (
	ErrEmptyMessage   = errors.New("message has no content or media")
	ErrNoConversation = errors.New("conversation id is required")
	ErrNotFailed      = errors.New("message is not in FAILED state")
	ErrNotConfirmed   = errors.New("message has not been confirmed by the server")
	ErrNotOwn         = errors.New("message was not sent by this user")
)

// TempPrefix marks ids minted locally before the server assigns one.
const TempPrefix = "tmp-"

// Transport is the part of the connection manager the machine needs.
type Transport interface {
	Emit(ctx context.Context, event string, payload any) error
	Current() *conn.Connection
}

// Intent is a message the user wants to send.
type Intent struct {
	ConversationID string
	Content        string
	Media          []message.Media
}

// inflight is a send awaiting its message:sent acknowledgement.
type inflight struct {
	id     string
	connID string
	sentAt time.Time
}

// Machine owns the outgoing half of the delivery state machine. It is safe
// for concurrent use.
type Machine struct {
	db     *store.DB
	tr     Transport
	bus    *bus.Bus
	clock  clockwork.Clock
	logger *zap.Logger
	selfID string

	mu sync.Mutex
	// queue holds unacknowledged sends in emit order. Acks without a
	// client id are matched to its head.
	queue []inflight
}

// New creates a machine that sends as selfID.
func New(db *store.DB, tr Transport, b *bus.Bus, clock clockwork.Clock, logger *zap.Logger, selfID string) *Machine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		db:     db,
		tr:     tr,
		bus:    b,
		clock:  clock,
		logger: logger,
		selfID: selfID,
	}
}

// SelfID returns the user id the machine sends as.
func (d *Machine) SelfID() string {
	return d.selfID
}

// Send stores the intent as a PENDING message and emits it. A transport
// error moves the message to FAILED before Send returns; that is reported
// through the returned message, not the error.
func (d *Machine) Send(ctx context.Context, in Intent) (*message.Message, error) {
	if strings.TrimSpace(in.ConversationID) == "" {
		return nil, ErrNoConversation
	}
	m := &message.Message{
		ID:             TempPrefix + uuid.NewString(),
		ConversationID: in.ConversationID,
		SenderID:       d.selfID,
		Content:        in.Content,
		Media:          classify(in.Media),
		SentAt:         d.clock.Now(),
		Status:         message.Pending,
	}
	if m.Empty() {
		return nil, ErrEmptyMessage
	}

	if err := d.db.InsertMessage(m); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	if err := d.db.RecordLastMessage(m); err != nil {
		d.logger.Warn("failed to record last message", zap.Error(err), zap.String("conversation_id", m.ConversationID))
	}
	d.publishUpsert(m)
	d.bus.Emit(bus.KindConversationUpdated, bus.ConversationRef{ConversationID: m.ConversationID})
	metrics.SendTotal.WithLabelValues("queued").Inc()

	d.emit(ctx, m)
	return m, nil
}

// Retry re-sends a FAILED message under the same local id.
func (d *Machine) Retry(ctx context.Context, id string) (*message.Message, error) {
	m, err := d.db.GetMessage(id)
	if err != nil {
		return nil, err
	}
	if m.Status != message.Failed {
		return nil, ErrNotFailed
	}
	changed, err := d.db.Transition(m.ID, message.Pending)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, ErrNotFailed
	}
	m.Status = message.Pending
	d.publishUpsert(m)
	metrics.SendTotal.WithLabelValues("retried").Inc()

	d.emit(ctx, m)
	return m, nil
}

// DiscardFailed removes a FAILED message from the store.
func (d *Machine) DiscardFailed(id string) error {
	m, err := d.db.GetMessage(id)
	if err != nil {
		return err
	}
	if m.Status != message.Failed {
		return ErrNotFailed
	}
	if err := d.db.DeleteMessage(m.ID); err != nil {
		return err
	}
	metrics.SendTotal.WithLabelValues("discarded").Inc()
	d.bus.Emit(bus.KindMessageRemoved, bus.MessageRef{ConversationID: m.ConversationID, MessageID: m.ID})
	d.bus.Emit(bus.KindConversationUpdated, bus.ConversationRef{ConversationID: m.ConversationID})
	return nil
}

// Ack applies a message:sent acknowledgement. With a client id the ack is
// matched exactly; without one it settles the oldest unacknowledged send.
// Returns nil when nothing was waiting.
func (d *Machine) Ack(serverID, clientID string) (*message.Message, error) {
	if serverID == "" {
		return nil, errors.New("ack without message id")
	}
	entry, ok := d.settle(clientID)
	if !ok {
		if clientID == "" {
			d.logger.Debug("ack with no send outstanding", zap.String("server_id", serverID))
			return nil, nil
		}
		// Acked after the connection that sent it ended.
		entry = inflight{id: clientID}
	}

	m, err := d.db.Confirm(entry.id, serverID, message.Sent)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Debug("ack for unknown message", zap.String("client_id", entry.id), zap.String("server_id", serverID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("confirm %s: %w", entry.id, err)
	}
	if !entry.sentAt.IsZero() {
		metrics.AckLatency.Observe(d.clock.Since(entry.sentAt).Seconds())
	}
	metrics.SendTotal.WithLabelValues("acked").Inc()
	d.bus.Emit(bus.KindMessageSendAck, bus.SendAck{
		MessageRef: bus.MessageRef{ConversationID: m.ConversationID, MessageID: m.ID},
		ServerID:   serverID,
	})
	d.publishUpsert(m)
	return m, nil
}

// Drain fails every send still waiting for an acknowledgement when a
// connection instance ends. It runs as a disconnected hook.
func (d *Machine) Drain(c conn.Connection) {
	d.mu.Lock()
	var pending []inflight
	kept := d.queue[:0]
	for _, e := range d.queue {
		if e.connID == c.ID || e.connID == "" {
			pending = append(pending, e)
			continue
		}
		kept = append(kept, e)
	}
	d.queue = kept
	d.mu.Unlock()

	for _, e := range pending {
		d.fail(e.id, fmt.Errorf("connection %s ended before acknowledgement", c.ID))
	}
	if len(pending) > 0 {
		d.logger.Info("failed unacknowledged sends", zap.Int("count", len(pending)), zap.String("conn_id", c.ID))
	}
}

// Recover fails sends left PENDING by an earlier process so they surface
// with a retry affordance. It runs once at startup, before any connect.
func (d *Machine) Recover() (int, error) {
	ids, err := d.db.FailPending()
	if err != nil {
		return 0, fmt.Errorf("fail stale pending: %w", err)
	}
	for _, id := range ids {
		m, err := d.db.GetMessage(id)
		if err != nil {
			continue
		}
		metrics.SendTotal.WithLabelValues("failed").Inc()
		d.bus.Emit(bus.KindMessageSendFailed, bus.SendFailure{
			MessageRef: bus.MessageRef{ConversationID: m.ConversationID, MessageID: m.ID},
			Error:      "send interrupted by restart",
		})
		d.publishUpsert(m)
	}
	if len(ids) > 0 {
		d.logger.Info("failed sends interrupted by restart", zap.Int("count", len(ids)))
	}
	return len(ids), nil
}

// Pending returns the number of sends waiting for acknowledgement.
func (d *Machine) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Edit asks the server to replace the content of an own, confirmed message
// and applies the change locally.
func (d *Machine) Edit(ctx context.Context, id, content string) (*message.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	m, err := d.confirmedOwn(id)
	if err != nil {
		return nil, err
	}
	if err := d.tr.Emit(ctx, wire.MessageEdit, wire.EditPayload{MessageID: m.ServerID, Content: content}); err != nil {
		return nil, err
	}
	edited, err := d.db.EditMessage(m.ID, content, d.clock.Now())
	if err != nil {
		return nil, err
	}
	d.publishUpsert(edited)
	return edited, nil
}

// Delete asks the server to delete an own, confirmed message and
// tombstones it locally.
func (d *Machine) Delete(ctx context.Context, id string) (*message.Message, error) {
	m, err := d.confirmedOwn(id)
	if err != nil {
		return nil, err
	}
	if err := d.tr.Emit(ctx, wire.MessageDelete, wire.DeletePayload{MessageID: m.ServerID}); err != nil {
		return nil, err
	}
	deleted, err := d.db.MarkDeleted(m.ID, d.clock.Now())
	if err != nil {
		return nil, err
	}
	d.publishUpsert(deleted)
	d.bus.Emit(bus.KindConversationUpdated, bus.ConversationRef{ConversationID: deleted.ConversationID})
	return deleted, nil
}

// MarkRead tells the server the user has read a conversation and clears its
// unread counter. The counter is cleared even when the emit fails; the
// emit error is returned.
func (d *Machine) MarkRead(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoConversation
	}
	emitErr := d.tr.Emit(ctx, wire.MessageRead, wire.ConversationPayload{ConversationID: conversationID})
	if err := d.db.ResetUnread(conversationID); err != nil {
		return err
	}
	d.bus.Emit(bus.KindConversationUpdated, bus.ConversationRef{ConversationID: conversationID})
	return emitErr
}

func (d *Machine) confirmedOwn(id string) (*message.Message, error) {
	m, err := d.db.GetMessage(id)
	if err != nil {
		return nil, err
	}
	if m.SenderID != d.selfID {
		return nil, ErrNotOwn
	}
	if m.ServerID == "" {
		return nil, ErrNotConfirmed
	}
	return m, nil
}

// emit queues m for acknowledgement and writes message:send. The entry is
// queued first so an ack racing the write still finds it.
func (d *Machine) emit(ctx context.Context, m *message.Message) {
	connID := ""
	if c := d.tr.Current(); c != nil {
		connID = c.ID
	}
	d.mu.Lock()
	d.queue = append(d.queue, inflight{id: m.ID, connID: connID, sentAt: d.clock.Now()})
	d.mu.Unlock()

	err := d.tr.Emit(ctx, wire.MessageSend, wire.SendPayload{
		ConversationID: m.ConversationID,
		Content:        m.Content,
		Media:          wire.FromMedia(m.Media),
		ClientID:       m.ID,
	})
	if err == nil {
		return
	}
	d.logger.Warn("failed to send message", zap.Error(err), zap.String("message_id", m.ID))
	d.remove(m.ID)
	if d.fail(m.ID, err) {
		m.Status = message.Failed
	}
}

// fail moves a PENDING message to FAILED. Messages that already advanced
// are left alone. Reports whether the status changed.
func (d *Machine) fail(id string, cause error) bool {
	changed, err := d.db.Transition(id, message.Failed)
	if err != nil {
		d.logger.Error("failed to mark message failed", zap.Error(err), zap.String("message_id", id))
		return false
	}
	if !changed {
		return false
	}
	metrics.SendTotal.WithLabelValues("failed").Inc()
	m, err := d.db.GetMessage(id)
	if err != nil {
		return true
	}
	d.bus.Emit(bus.KindMessageSendFailed, bus.SendFailure{
		MessageRef: bus.MessageRef{ConversationID: m.ConversationID, MessageID: m.ID},
		Error:      cause.Error(),
	})
	d.publishUpsert(m)
	return true
}

// settle removes and returns the queue entry an ack refers to.
func (d *Machine) settle(clientID string) (inflight, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return inflight{}, false
	}
	if clientID == "" {
		e := d.queue[0]
		d.queue = d.queue[1:]
		return e, true
	}
	for i, e := range d.queue {
		if e.id == clientID {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return e, true
		}
	}
	return inflight{}, false
}

func (d *Machine) remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.queue {
		if e.id == id {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return
		}
	}
}

func (d *Machine) publishUpsert(m *message.Message) {
	d.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ConversationID: m.ConversationID, MessageID: m.ID})
}

func classify(media []message.Media) []message.Media {
	if len(media) == 0 {
		return nil
	}
	out := make([]message.Media, len(media))
	for i, m := range media {
		out[i] = m
		if out[i].Kind == "" {
			out[i].Kind = message.ClassifyMedia(m.MimeType)
		}
	}
	return out
}
