// Package dispatch applies inbound server events to the local store.
package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/siawfish/kyoos-sub001/internal/bus"
	"github.com/siawfish/kyoos-sub001/internal/conn"
	"github.com/siawfish/kyoos-sub001/internal/message"
	"github.com/siawfish/kyoos-sub001/internal/metrics"
	"github.com/siawfish/kyoos-sub001/internal/store"
	"github.com/siawfish/kyoos-sub001/internal/wire"
	"go.uber.org/zap"
)

// DedupWindow bounds the content heuristic that matches an own message:new
// to an optimistic row when the server does not echo the client id.
const DedupWindow = 30 * time.Second

// Router registers inbound listeners; conn.Manager implements it.
type Router interface {
	Handle(event string, h conn.Handler)
}

// Acker settles message:sent acknowledgements.
type Acker interface {
	Ack(serverID, clientID string) (*message.Message, error)
}

// Membership reports whether a conversation is open on screen.
type Membership interface {
	Joined(id string) bool
}

// Typing receives remote typing signals.
type Typing interface {
	Start(conversationID, userID, userName string)
	Stop(conversationID, userID string)
}

// Dispatcher turns inbound frames into store mutations and bus events.
type Dispatcher struct {
	db     *store.DB
	acks   Acker
	rooms  Membership
	typing Typing
	bus    *bus.Bus
	logger *zap.Logger
	selfID string
}

// New creates a dispatcher for the user selfID.
func New(db *store.DB, acks Acker, rooms Membership, typing Typing, b *bus.Bus, logger *zap.Logger, selfID string) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		db:     db,
		acks:   acks,
		rooms:  rooms,
		typing: typing,
		bus:    b,
		logger: logger,
		selfID: selfID,
	}
}

// Register installs one listener per inbound event. Registering again
// replaces the previous listeners.
func (d *Dispatcher) Register(r Router) {
	for _, event := range wire.Inbound {
		r.Handle(event, d.handle)
	}
}

func (d *Dispatcher) handle(f wire.Frame) {
	if err := d.Dispatch(f); err != nil {
		metrics.FramesIn.WithLabelValues(f.Event, "error").Inc()
		d.logger.Error("failed to apply event", zap.String("event", f.Event), zap.Error(err))
	}
}

// Dispatch applies a single frame.
func (d *Dispatcher) Dispatch(f wire.Frame) error {
	switch f.Event {
	case wire.MessageNew:
		return with(f, d.onNew)
	case wire.MessageSent:
		return with(f, d.onSent)
	case wire.MessageEdited:
		return with(f, d.onEdited)
	case wire.MessageDeleted:
		return with(f, d.onDeleted)
	case wire.MessageStatus:
		return with(f, d.onStatus)
	case wire.TypingStart:
		return with(f, func(p wire.TypingPayload) error { return d.onTyping(p, true) })
	case wire.TypingStop:
		return with(f, func(p wire.TypingPayload) error { return d.onTyping(p, false) })
	case wire.Error:
		return with(f, d.onError)
	}
	d.logger.Debug("ignoring event", zap.String("event", f.Event))
	return nil
}

func with[T any](f wire.Frame, fn func(T) error) error {
	p, err := wire.Payload[T](f)
	if err != nil {
		return err
	}
	return fn(p)
}

func (d *Dispatcher) onNew(rec wire.MessageRecord) error {
	if rec.ID == "" || rec.ConversationID == "" {
		return errors.New("message record without id or conversation")
	}
	m := rec.ToMessage()
	if m.SentAt.IsZero() {
		m.SentAt = time.Now()
	}
	if at, ok, err := d.db.TakeTombstone(rec.ID); err != nil {
		return fmt.Errorf("read tombstone: %w", err)
	} else if ok {
		m.DeletedAt = at
	}

	if m.SenderID == d.selfID {
		matched, err := d.matchOwn(&rec, m)
		if err != nil {
			return err
		}
		if matched != nil && m.Deleted() {
			if matched, err = d.db.MarkDeleted(matched.ID, m.DeletedAt); err != nil {
				return fmt.Errorf("mark deleted: %w", err)
			}
			d.publish(matched)
		}
		if matched != nil {
			return d.recordLast(matched)
		}
	}

	created, err := d.db.UpsertMessage(m)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if err := d.recordLast(m); err != nil {
		return err
	}
	if created && m.SenderID != d.selfID && !m.Deleted() && !d.rooms.Joined(m.ConversationID) {
		if err := d.db.IncrementUnread(m.ConversationID); err != nil {
			return fmt.Errorf("increment unread: %w", err)
		}
	}
	d.publish(m)
	return nil
}

// matchOwn binds an echo of the user's own message to the local row it
// came from. Returns nil when no local row matches.
func (d *Dispatcher) matchOwn(rec *wire.MessageRecord, m *message.Message) (*message.Message, error) {
	if rec.ClientID != "" {
		confirmed, err := d.db.Confirm(rec.ClientID, rec.ID, m.Status)
		switch {
		case err == nil:
			metrics.Dedup.WithLabelValues("client_id").Inc()
			d.publish(confirmed)
			return confirmed, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("confirm %s: %w", rec.ClientID, err)
		}
	}

	existing, err := d.db.GetMessage(rec.ID)
	switch {
	case err == nil:
		metrics.Dedup.WithLabelValues("server_id").Inc()
		if _, err := d.db.Transition(existing.ID, m.Status); err != nil {
			return nil, err
		}
		existing, err = d.db.GetMessage(existing.ID)
		if err != nil {
			return nil, err
		}
		d.publish(existing)
		return existing, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	candidate, err := d.db.FindOptimisticMatch(m.ConversationID, d.selfID, m.Content, m.SentAt, DedupWindow)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	confirmed, err := d.db.Confirm(candidate.ID, rec.ID, m.Status)
	if err != nil {
		return nil, fmt.Errorf("confirm %s: %w", candidate.ID, err)
	}
	metrics.Dedup.WithLabelValues("heuristic").Inc()
	d.publish(confirmed)
	return confirmed, nil
}

func (d *Dispatcher) onSent(p wire.SentPayload) error {
	_, err := d.acks.Ack(p.MessageID, p.ClientID)
	return err
}

func (d *Dispatcher) onEdited(p wire.EditedPayload) error {
	editedAt := p.EditedAt
	if editedAt.IsZero() {
		editedAt = time.Now()
	}
	m, err := d.db.EditMessage(p.MessageID, p.Content, editedAt)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Debug("edit for unknown message dropped", zap.String("message_id", p.MessageID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	d.publish(m)
	d.bus.Emit(bus.KindConversationUpdated, bus.ConversationRef{ConversationID: m.ConversationID})
	return nil
}

func (d *Dispatcher) onDeleted(p wire.DeletedPayload) error {
	if p.MessageID == "" {
		return errors.New("delete without message id")
	}
	deletedAt := p.DeletedAt
	if deletedAt.IsZero() {
		deletedAt = time.Now()
	}
	m, err := d.db.MarkDeleted(p.MessageID, deletedAt)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Debug("delete arrived before message, recording tombstone", zap.String("message_id", p.MessageID))
		return d.db.AddTombstone(p.MessageID, deletedAt)
	}
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	d.publish(m)
	d.bus.Emit(bus.KindConversationUpdated, bus.ConversationRef{ConversationID: m.ConversationID})
	return nil
}

// onStatus applies a receipt to the user's own messages. Receipts the user
// produced on another device are ignored.
func (d *Dispatcher) onStatus(p wire.StatusPayload) error {
	st, ok := message.ParseStatus(p.Status)
	if !ok || !st.AtLeast(message.Delivered) {
		d.logger.Warn("ignoring receipt with unexpected status", zap.String("status", p.Status))
		return nil
	}
	if p.ReadBy != "" && p.ReadBy == d.selfID {
		return nil
	}
	changed, err := d.db.ApplyReceipt(p.ConversationID, d.selfID, st, p.MessageID, p.UpTo)
	if err != nil {
		return fmt.Errorf("apply receipt: %w", err)
	}
	for _, id := range changed {
		d.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ConversationID: p.ConversationID, MessageID: id})
	}
	return nil
}

func (d *Dispatcher) onTyping(p wire.TypingPayload, active bool) error {
	if p.UserID == "" || p.UserID == d.selfID {
		return nil
	}
	if active {
		d.typing.Start(p.ConversationID, p.UserID, p.UserName)
	} else {
		d.typing.Stop(p.ConversationID, p.UserID)
	}
	return nil
}

func (d *Dispatcher) onError(p wire.ErrorPayload) error {
	metrics.ServerErrors.Inc()
	d.logger.Warn("server reported an error", zap.String("message", p.Message))
	d.bus.Emit(bus.KindServerError, p.Message)
	return nil
}

func (d *Dispatcher) recordLast(m *message.Message) error {
	if err := d.db.RecordLastMessage(m); err != nil {
		return fmt.Errorf("record last message: %w", err)
	}
	d.bus.Emit(bus.KindConversationUpdated, bus.ConversationRef{ConversationID: m.ConversationID})
	return nil
}

func (d *Dispatcher) publish(m *message.Message) {
	d.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ConversationID: m.ConversationID, MessageID: m.ID})
}
