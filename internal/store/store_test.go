package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/siawfish/kyoos-sub001/internal/message"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pending(id, conv, sender, content string, at time.Time) *message.Message {
	return &message.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Content:        content,
		SentAt:         at,
		Status:         message.Pending,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestMigrateRejectsDirtySchema(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}

	_, err := db.Migrate()
	if !errors.Is(err, ErrDirtySchema) {
		t.Fatalf("Migrate() error = %v, want ErrDirtySchema", err)
	}
}

func TestConversationUpsertKeepsCounters(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&message.Conversation{ID: "c1", ClientID: "u1", WorkerID: "w1"}); err != nil {
		t.Fatal(err)
	}
	if err := db.IncrementUnread("c1"); err != nil {
		t.Fatal(err)
	}
	// Re-seeding participants must not reset the counter or blank fields.
	if err := db.UpsertConversation(&message.Conversation{ID: "c1", BookingID: "b1"}); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", c.UnreadCount)
	}
	if c.ClientID != "u1" || c.WorkerID != "w1" || c.BookingID != "b1" {
		t.Errorf("participants = %+v", c)
	}

	if err := db.ResetUnread("c1"); err != nil {
		t.Fatal(err)
	}
	c, _ = db.GetConversation("c1")
	if c.UnreadCount != 0 {
		t.Errorf("unread after reset = %d, want 0", c.UnreadCount)
	}
}

func TestGetConversationMissing(t *testing.T) {
	db := testDB(t)
	if _, err := db.GetConversation("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListConversationsNewestFirst(t *testing.T) {
	db := testDB(t)

	for i, id := range []string{"a", "b", "c"} {
		m := pending("m-"+id, id, "u1", "hi", t0.Add(time.Duration(i)*time.Minute))
		if err := db.RecordLastMessage(m); err != nil {
			t.Fatal(err)
		}
	}
	convs, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 3 || convs[0].ID != "c" || convs[2].ID != "a" {
		t.Errorf("order = %+v, want c, b, a", convs)
	}
}

func TestRecordLastMessageIgnoresOlder(t *testing.T) {
	db := testDB(t)

	newer := pending("m2", "c1", "u1", "newer", t0.Add(time.Minute))
	older := pending("m1", "c1", "u1", "older", t0)
	if err := db.RecordLastMessage(newer); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordLastMessage(older); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessageID != "m2" || c.LastMessagePreview != "newer" {
		t.Errorf("last = %s %q, want m2 newer", c.LastMessageID, c.LastMessagePreview)
	}
}

func TestInsertAndGetWithMedia(t *testing.T) {
	db := testDB(t)

	m := pending("tmp-1", "c1", "u1", "", t0)
	m.Media = []message.Media{
		{URL: "https://cdn/a.jpg", MimeType: "image/jpeg"},
		{URL: "https://cdn/b.pdf", MimeType: "application/pdf"},
	}
	if err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetMessage("tmp-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Media) != 2 {
		t.Fatalf("media = %d, want 2", len(got.Media))
	}
	if got.Media[0].Kind != message.KindImage || got.Media[1].Kind != message.KindDocument {
		t.Errorf("kinds = %s, %s", got.Media[0].Kind, got.Media[1].Kind)
	}
	if !got.SentAt.Equal(t0) {
		t.Errorf("sentAt = %v, want %v", got.SentAt, t0)
	}
}

func TestUpsertMessageIdempotent(t *testing.T) {
	db := testDB(t)

	m := &message.Message{ID: "srv-1", ServerID: "srv-1", ConversationID: "c1", SenderID: "u2", Content: "hello", SentAt: t0, Status: message.Sent}
	created, err := db.UpsertMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first upsert should create")
	}
	m.Content = "hello again"
	created, err = db.UpsertMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second upsert should not create")
	}

	msgs, err := db.ListMessages("c1", time.Time{}, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Content != "hello again" {
		t.Errorf("content = %q, want hello again", msgs[0].Content)
	}
}

func TestListMessagesOldestFirst(t *testing.T) {
	db := testDB(t)
	for i := range 5 {
		id := string(rune('a' + i))
		if err := db.InsertMessage(pending(id, "c1", "u1", id, t0.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := db.ListMessages("c1", t0.Add(4*time.Second), 3)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	if len(ids) != 3 || ids[0] != "b" || ids[2] != "d" {
		t.Errorf("ids = %v, want [b c d]", ids)
	}
}

func TestTransitionMonotonic(t *testing.T) {
	db := testDB(t)
	if err := db.InsertMessage(pending("tmp-1", "c1", "u1", "hi", t0)); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		to      message.Status
		changed bool
		want    message.Status
	}{
		{message.Sent, true, message.Sent},
		{message.Read, true, message.Read},
		{message.Delivered, false, message.Read},
		{message.Pending, false, message.Read},
		{message.Failed, false, message.Read},
	}
	for _, s := range steps {
		changed, err := db.Transition("tmp-1", s.to)
		if err != nil {
			t.Fatal(err)
		}
		if changed != s.changed {
			t.Errorf("Transition(%s) changed = %v, want %v", s.to, changed, s.changed)
		}
		m, _ := db.GetMessage("tmp-1")
		if m.Status != s.want {
			t.Errorf("after %s status = %s, want %s", s.to, m.Status, s.want)
		}
	}
}

func TestTransitionMissing(t *testing.T) {
	db := testDB(t)
	if _, err := db.Transition("nope", message.Sent); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestConfirmBindsServerID(t *testing.T) {
	db := testDB(t)
	if err := db.InsertMessage(pending("tmp-1", "c1", "u1", "hi", t0)); err != nil {
		t.Fatal(err)
	}
	m, err := db.Confirm("tmp-1", "srv-9", message.Sent)
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "tmp-1" || m.ServerID != "srv-9" || m.Status != message.Sent {
		t.Errorf("confirmed = %+v", m)
	}
	// Lookup by server id resolves the same row.
	byServer, err := db.GetMessage("srv-9")
	if err != nil {
		t.Fatal(err)
	}
	if byServer.ID != "tmp-1" {
		t.Errorf("GetMessage(srv-9).ID = %s, want tmp-1", byServer.ID)
	}
	// Confirming again is harmless.
	if _, err := db.Confirm("tmp-1", "srv-9", message.Sent); err != nil {
		t.Errorf("second Confirm: %v", err)
	}
	if _, err := db.Confirm("tmp-1", "srv-other", message.Sent); err == nil {
		t.Error("rebinding to a different server id should fail")
	}
}

func TestConfirmFoldsServerCopy(t *testing.T) {
	db := testDB(t)
	if err := db.InsertMessage(pending("tmp-1", "c1", "u1", "hi", t0)); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpsertMessage(&message.Message{ID: "srv-1", ServerID: "srv-1", ConversationID: "c1", SenderID: "u1", Content: "hi", SentAt: t0, Status: message.Sent}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Confirm("tmp-1", "srv-1", message.Sent); err != nil {
		t.Fatal(err)
	}
	msgs, _ := db.ListMessages("c1", time.Time{}, 10)
	if len(msgs) != 1 || msgs[0].ID != "tmp-1" {
		t.Errorf("messages = %+v, want the single local row", msgs)
	}
}

func TestConfirmRecoversFailed(t *testing.T) {
	db := testDB(t)
	m := pending("tmp-1", "c1", "u1", "hi", t0)
	m.Status = message.Failed
	if err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}
	got, err := db.Confirm("tmp-1", "srv-1", message.Sent)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != message.Sent {
		t.Errorf("status = %s, want SENT", got.Status)
	}
}

func TestConfirmFoldKeepsServerProgress(t *testing.T) {
	db := testDB(t)
	if err := db.InsertMessage(pending("tmp-1", "c1", "u1", "hello", t0)); err != nil {
		t.Fatal(err)
	}
	edited := t0.Add(time.Minute)
	if _, err := db.UpsertMessage(&message.Message{ID: "srv-1", ServerID: "srv-1", ConversationID: "c1", SenderID: "u1",
		Content: "hello!", SentAt: t0, EditedAt: edited, Status: message.Read}); err != nil {
		t.Fatal(err)
	}

	got, err := db.Confirm("tmp-1", "srv-1", message.Sent)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != message.Read {
		t.Errorf("status = %s, want READ", got.Status)
	}
	stored, err := db.GetMessage("tmp-1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != message.Read || stored.Content != "hello!" || !stored.EditedAt.Equal(edited) {
		t.Errorf("stored = %+v, want READ with the server's edit", stored)
	}
}

func TestConfirmFoldKeepsDeletion(t *testing.T) {
	db := testDB(t)
	if err := db.InsertMessage(pending("tmp-1", "c1", "u1", "hello", t0)); err != nil {
		t.Fatal(err)
	}
	deleted := t0.Add(time.Minute)
	if _, err := db.UpsertMessage(&message.Message{ID: "srv-1", ServerID: "srv-1", ConversationID: "c1", SenderID: "u1",
		Content: "hello", SentAt: t0, DeletedAt: deleted, Status: message.Sent}); err != nil {
		t.Fatal(err)
	}

	got, err := db.Confirm("tmp-1", "srv-1", message.Sent)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Deleted() {
		t.Error("folded message should stay deleted")
	}
	stored, _ := db.GetMessage("srv-1")
	if stored.ID != "tmp-1" || !stored.DeletedAt.Equal(deleted) {
		t.Errorf("stored = %+v, want tmp-1 deleted at %v", stored, deleted)
	}
}

func TestConfirmAppliesTombstone(t *testing.T) {
	db := testDB(t)
	if err := db.InsertMessage(pending("tmp-1", "c1", "u1", "hello", t0)); err != nil {
		t.Fatal(err)
	}
	if err := db.AddTombstone("srv-1", t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	got, err := db.Confirm("tmp-1", "srv-1", message.Sent)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Deleted() {
		t.Error("ack for a tombstoned id should leave the message deleted")
	}
	if _, ok, _ := db.TakeTombstone("srv-1"); ok {
		t.Error("tombstone should be consumed by Confirm")
	}
}

func TestApplyReceiptSkipsUnacknowledged(t *testing.T) {
	db := testDB(t)
	if err := db.InsertMessage(pending("tmp-1", "c1", "me", "hi", t0)); err != nil {
		t.Fatal(err)
	}
	changed, err := db.ApplyReceipt("c1", "me", message.Read, "", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 0 {
		t.Errorf("changed %v, want none", changed)
	}

	// Once acknowledged the same receipt applies.
	if _, err := db.Confirm("tmp-1", "srv-1", message.Sent); err != nil {
		t.Fatal(err)
	}
	changed, err = db.ApplyReceipt("c1", "me", message.Read, "", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 1 || changed[0] != "tmp-1" {
		t.Errorf("changed %v, want [tmp-1]", changed)
	}
}

func TestApplyReceiptScopes(t *testing.T) {
	db := testDB(t)
	for i, id := range []string{"a", "b", "c"} {
		m := pending(id, "c1", "me", id, t0.Add(time.Duration(i)*time.Minute))
		m.Status = message.Sent
		if err := db.InsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}
	// Someone else's message is never touched.
	other := pending("x", "c1", "them", "x", t0)
	other.Status = message.Sent
	if err := db.InsertMessage(other); err != nil {
		t.Fatal(err)
	}

	changed, err := db.ApplyReceipt("c1", "me", message.Delivered, "", t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 2 {
		t.Errorf("upTo changed %v, want a and b", changed)
	}

	changed, err = db.ApplyReceipt("c1", "me", message.Read, "c", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 1 || changed[0] != "c" {
		t.Errorf("messageId changed %v, want [c]", changed)
	}

	// A late DELIVERED after READ is ignored.
	changed, err = db.ApplyReceipt("c1", "me", message.Delivered, "", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 0 {
		t.Errorf("late delivered changed %v, want none", changed)
	}
	c, _ := db.GetMessage("c")
	if c.Status != message.Read {
		t.Errorf("c status = %s, want READ", c.Status)
	}
	x, _ := db.GetMessage("x")
	if x.Status != message.Sent {
		t.Errorf("other sender status = %s, want SENT", x.Status)
	}
}

func TestFindOptimisticMatch(t *testing.T) {
	db := testDB(t)
	if err := db.InsertMessage(pending("tmp-1", "c1", "me", "on my way", t0)); err != nil {
		t.Fatal(err)
	}

	m, err := db.FindOptimisticMatch("c1", "me", "on my way", t0.Add(10*time.Second), 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "tmp-1" {
		t.Errorf("match = %s, want tmp-1", m.ID)
	}

	if _, err := db.FindOptimisticMatch("c1", "me", "on my way", t0.Add(time.Minute), 30*time.Second); !errors.Is(err, ErrNotFound) {
		t.Errorf("outside window err = %v, want ErrNotFound", err)
	}
	if _, err := db.FindOptimisticMatch("c1", "me", "different", t0, 30*time.Second); !errors.Is(err, ErrNotFound) {
		t.Errorf("content mismatch err = %v, want ErrNotFound", err)
	}
}

func TestEditAndMarkDeleted(t *testing.T) {
	db := testDB(t)
	m := pending("tmp-1", "c1", "me", "draft", t0)
	if err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordLastMessage(m); err != nil {
		t.Fatal(err)
	}

	edited, err := db.EditMessage("tmp-1", "final", t0.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if edited.Content != "final" || edited.EditedAt.IsZero() {
		t.Errorf("edited = %+v", edited)
	}
	c, _ := db.GetConversation("c1")
	if c.LastMessagePreview != "final" {
		t.Errorf("preview = %q, want final", c.LastMessagePreview)
	}

	deleted, err := db.MarkDeleted("tmp-1", t0.Add(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if !deleted.Deleted() {
		t.Error("message should be tombstoned")
	}
	c, _ = db.GetConversation("c1")
	if c.LastMessagePreview != "Message deleted" {
		t.Errorf("preview = %q, want Message deleted", c.LastMessagePreview)
	}

	// Edits after deletion do nothing.
	again, err := db.EditMessage("tmp-1", "resurrected", t0.Add(3*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if again.Content != "final" {
		t.Errorf("content after delete+edit = %q, want final", again.Content)
	}
}

func TestDeleteMessageRewindsLastMessage(t *testing.T) {
	db := testDB(t)
	first := pending("m1", "c1", "me", "first", t0)
	second := pending("m2", "c1", "me", "second", t0.Add(time.Minute))
	for _, m := range []*message.Message{first, second} {
		if err := db.InsertMessage(m); err != nil {
			t.Fatal(err)
		}
		if err := db.RecordLastMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.DeleteMessage("m2"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetMessage("m2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMessage after delete err = %v", err)
	}
	c, _ := db.GetConversation("c1")
	if c.LastMessageID != "m1" || c.LastMessagePreview != "first" {
		t.Errorf("last = %s %q, want m1 first", c.LastMessageID, c.LastMessagePreview)
	}

	if err := db.DeleteMessage("m2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestTombstones(t *testing.T) {
	db := testDB(t)

	if _, ok, err := db.TakeTombstone("srv-1"); err != nil || ok {
		t.Fatalf("TakeTombstone on empty = %v, %v", ok, err)
	}
	if err := db.AddTombstone("srv-1", t0); err != nil {
		t.Fatal(err)
	}
	at, ok, err := db.TakeTombstone("srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !at.Equal(t0) {
		t.Errorf("tombstone = %v, %v", at, ok)
	}
	if _, ok, _ := db.TakeTombstone("srv-1"); ok {
		t.Error("tombstone should be consumed")
	}
}

func TestCountByStatus(t *testing.T) {
	db := testDB(t)
	if err := db.InsertMessage(pending("a", "c1", "me", "a", t0)); err != nil {
		t.Fatal(err)
	}
	b := pending("b", "c1", "me", "b", t0)
	b.Status = message.Failed
	if err := db.InsertMessage(b); err != nil {
		t.Fatal(err)
	}
	counts, err := db.CountByStatus()
	if err != nil {
		t.Fatal(err)
	}
	if counts[message.Pending] != 1 || counts[message.Failed] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestFailPending(t *testing.T) {
	db := testDB(t)
	for _, id := range []string{"a", "b"} {
		if err := db.InsertMessage(pending(id, "c1", "me", id, t0)); err != nil {
			t.Fatal(err)
		}
	}
	sent := pending("s", "c1", "me", "s", t0)
	sent.Status = message.Sent
	if err := db.InsertMessage(sent); err != nil {
		t.Fatal(err)
	}

	ids, err := db.FailPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("FailPending() = %v, want a and b", ids)
	}
	counts, err := db.CountByStatus()
	if err != nil {
		t.Fatal(err)
	}
	if counts[message.Pending] != 0 || counts[message.Failed] != 2 || counts[message.Sent] != 1 {
		t.Errorf("counts = %v", counts)
	}

	ids, err = db.FailPending()
	if err != nil || len(ids) != 0 {
		t.Errorf("second FailPending() = %v, %v", ids, err)
	}
}
