package message

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{Pending, Sent, true},
		{Pending, Delivered, true},
		{Pending, Failed, true},
		{Sent, Delivered, true},
		{Sent, Read, true},
		{Delivered, Read, true},
		{Failed, Pending, true},

		{Read, Delivered, false},
		{Read, Pending, false},
		{Delivered, Pending, false},
		{Delivered, Sent, false},
		{Sent, Pending, false},
		{Sent, Failed, false},
		{Read, Failed, false},
		{Failed, Sent, false},
		{Sent, Sent, false},
		{Failed, Failed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

// TestMonotonicUnderAnyOrder applies every permutation of receipts and checks
// the result is never earlier than the furthest status applied.
func TestMonotonicUnderAnyOrder(t *testing.T) {
	orders := [][]Status{
		{Sent, Delivered, Read},
		{Read, Delivered, Sent},
		{Delivered, Read, Sent},
		{Read, Sent, Delivered},
	}
	for _, order := range orders {
		cur := Pending
		for _, next := range order {
			if CanTransition(cur, next) {
				cur = next
			}
		}
		if cur != Read {
			t.Errorf("order %v ended at %s, want READ", order, cur)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if s, ok := ParseStatus("read"); !ok || s != Read {
		t.Errorf("ParseStatus(read) = %v, %v", s, ok)
	}
	if _, ok := ParseStatus("seen"); ok {
		t.Error("ParseStatus(seen) should fail")
	}
}

func TestClassifyMedia(t *testing.T) {
	tests := map[string]MediaKind{
		"image/jpeg":      KindImage,
		"IMAGE/PNG":       KindImage,
		"video/mp4":       KindVideo,
		"audio/mpeg":      KindAudio,
		"application/pdf": KindDocument,
		"":                KindDocument,
	}
	for mime, want := range tests {
		if got := ClassifyMedia(mime); got != want {
			t.Errorf("ClassifyMedia(%q) = %s, want %s", mime, got, want)
		}
	}
}

func TestPreview(t *testing.T) {
	m := &Message{Media: []Media{{Kind: KindImage}}}
	if got := m.Preview(); got != "[image]" {
		t.Errorf("Preview() = %q, want [image]", got)
	}
	m.Content = "hi"
	if got := m.Preview(); got != "hi" {
		t.Errorf("Preview() = %q, want hi", got)
	}
}

func TestFurthest(t *testing.T) {
	tests := []struct {
		a, b, want Status
	}{
		{Sent, Read, Read},
		{Read, Sent, Read},
		{Failed, Sent, Sent},
		{Failed, Failed, Pending},
		{Delivered, Pending, Delivered},
	}
	for _, tt := range tests {
		if got := Furthest(tt.a, tt.b); got != tt.want {
			t.Errorf("Furthest(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}
