package inbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shineum/mailtree/internal/mailerr"
)

// fakeMessage is one message held by fakeMailbox.
type fakeMessage struct {
	raw      string
	received time.Time
	seen     bool
	deleted  bool
}

// fakeMailbox implements Mailbox in memory.
type fakeMailbox struct {
	mu        sync.Mutex
	messages  map[uint32]*fakeMessage
	err       error // returned by every command but Logout
	loggedOut bool
	expunged  []uint32
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{messages: map[uint32]*fakeMessage{}}
}

func (f *fakeMailbox) add(uid uint32, raw string, received time.Time, seen bool) {
	f.messages[uid] = &fakeMessage{raw: raw, received: received, seen: seen}
}

func (f *fakeMailbox) Counts(context.Context) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, 0, f.err
	}
	unseen := 0
	for _, m := range f.messages {
		if !m.seen {
			unseen++
		}
	}
	return len(f.messages), unseen, nil
}

func (f *fakeMailbox) UnseenUIDs(context.Context) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var uids []uint32
	for uid, m := range f.messages {
		if !m.seen {
			uids = append(uids, uid)
		}
	}
	return uids, nil
}

func (f *fakeMailbox) Fetch(_ context.Context, uid uint32) ([]byte, time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, time.Time{}, false, f.err
	}
	m, ok := f.messages[uid]
	if !ok {
		return nil, time.Time{}, false, nil
	}
	return []byte(m.raw), m.received, true, nil
}

func (f *fakeMailbox) SeenBefore(_ context.Context, t time.Time) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var uids []uint32
	for uid, m := range f.messages {
		if m.seen && m.received.Before(t) {
			uids = append(uids, uid)
		}
	}
	return uids, nil
}

func (f *fakeMailbox) AddFlags(_ context.Context, uids []uint32, flags ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, uid := range uids {
		m, ok := f.messages[uid]
		if !ok {
			continue
		}
		for _, flag := range flags {
			switch flag {
			case `\Seen`:
				m.seen = true
			case `\Deleted`:
				m.deleted = true
			}
		}
	}
	return nil
}

func (f *fakeMailbox) Expunge(_ context.Context, uids []uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.expunged = append(f.expunged, uids...)
	for _, uid := range uids {
		if m, ok := f.messages[uid]; ok && m.deleted {
			delete(f.messages, uid)
		}
	}
	return nil
}

func (f *fakeMailbox) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	return nil
}

func (f *fakeMailbox) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// errorRecorder collects OnError calls.
type errorRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errorRecorder) record(_ context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *errorRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

// newConnected returns an Inbox connected to mb.
func newConnected(t *testing.T, mb *fakeMailbox) (*Inbox, *errorRecorder) {
	t.Helper()
	rec := &errorRecorder{}
	in, err := New(Config{
		Host:    "imap.example.com",
		OnError: rec.record,
		Dial: func(context.Context, Config) (Mailbox, error) {
			return mb, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := in.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return in, rec
}

func rawMessage(subject string) string {
	return "From: Alice <alice@example.com>\r\n" +
		"To: bob@example.com, carol@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Fri, 01 Mar 2024 12:00:00 +0000\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"body of " + subject + "\r\n"
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); !errors.Is(err, mailerr.InboxState) {
		t.Errorf("missing OnError: got %v, want InboxState", err)
	}

	tests := []struct {
		name     string
		cfg      Config
		wantPort int
	}{
		{name: "starttls", cfg: Config{}, wantPort: 143},
		{name: "implicit tls", cfg: Config{Secure: true}, wantPort: 993},
		{name: "explicit", cfg: Config{Port: 1143, Secure: true}, wantPort: 1143},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.cfg.OnError = func(context.Context, error) {}
			in, err := New(tt.cfg)
			if err != nil {
				t.Fatal(err)
			}
			if in.cfg.Port != tt.wantPort {
				t.Errorf("Port: got %d, want %d", in.cfg.Port, tt.wantPort)
			}
			if in.cfg.Timeout != DefaultTimeout || in.cfg.Dial == nil {
				t.Error("defaults not applied")
			}
		})
	}
}

func TestConnect(t *testing.T) {
	t.Parallel()

	mb := newFakeMailbox()
	in, rec := newConnected(t, mb)

	if !in.Connected() {
		t.Fatal("not connected")
	}
	if err := in.Connect(context.Background()); !errors.Is(err, mailerr.InboxState) {
		t.Errorf("second Connect: got %v, want InboxState", err)
	}
	if rec.count() != 0 {
		t.Errorf("OnError calls: got %d, want 0", rec.count())
	}
}

func TestConnect_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		dialErr  error
		wantKind mailerr.Kind
	}{
		{
			name:     "connection refused",
			dialErr:  errors.New("dial tcp: connection refused"),
			wantKind: mailerr.InboxConnection,
		},
		{
			name:     "login rejected",
			dialErr:  fmt.Errorf("%w for bob: NO [AUTHENTICATIONFAILED]", ErrLoginFailed),
			wantKind: mailerr.InboxAuth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := &errorRecorder{}
			in, err := New(Config{
				OnError: rec.record,
				Dial: func(context.Context, Config) (Mailbox, error) {
					return nil, tt.dialErr
				},
			})
			if err != nil {
				t.Fatal(err)
			}

			err = in.Connect(context.Background())
			if !errors.Is(err, tt.wantKind) {
				t.Errorf("got %v, want %v", err, tt.wantKind)
			}
			if !errors.Is(err, tt.dialErr) {
				t.Error("cause not wrapped")
			}
			if in.Connected() {
				t.Error("connected after failure")
			}
			if rec.count() != 1 {
				t.Errorf("OnError calls: got %d, want 1", rec.count())
			}
		})
	}
}

func TestDisconnect(t *testing.T) {
	t.Parallel()

	mb := newFakeMailbox()
	in, _ := newConnected(t, mb)
	ctx := context.Background()

	for range 2 {
		if err := in.Disconnect(ctx); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
	}
	if !mb.loggedOut {
		t.Error("LOGOUT not sent")
	}
	if in.Connected() {
		t.Error("still connected")
	}
}

func TestNotConnected(t *testing.T) {
	t.Parallel()

	rec := &errorRecorder{}
	in, err := New(Config{OnError: rec.record})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	ops := map[string]func() error{
		"status": func() error { _, err := in.Status(ctx); return err },
		"recv":   func() error { _, err := in.Recv(ctx); return err },
		"read":   func() error { return in.Read(ctx, "1") },
		"delete": func() error { return in.Delete(ctx, 24) },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, mailerr.InboxState) {
			t.Errorf("%s: got %v, want InboxState", name, err)
		}
	}
	if rec.count() != 0 {
		t.Errorf("OnError calls: got %d, want 0", rec.count())
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	mb := newFakeMailbox()
	now := time.Now()
	mb.add(1, rawMessage("a"), now, true)
	mb.add(2, rawMessage("b"), now, false)
	mb.add(3, rawMessage("c"), now, false)
	in, _ := newConnected(t, mb)

	got, err := in.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := Status{Connected: true, Total: 3, Unread: 2, Read: 1}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestRecv_OldestUnseen(t *testing.T) {
	t.Parallel()

	mb := newFakeMailbox()
	received := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)
	mb.add(4, rawMessage("seen"), received, true)
	mb.add(9, rawMessage("newer"), received, false)
	mb.add(7, rawMessage("oldest unseen"), received, false)
	in, _ := newConnected(t, mb)
	ctx := context.Background()

	m, err := in.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("expected a message")
	}
	if m.ID != "7" || m.Subject != "oldest unseen" {
		t.Errorf("got ID %q Subject %q, want 7 / oldest unseen", m.ID, m.Subject)
	}
	if !slices.Equal(m.To, []string{"bob@example.com", "carol@example.com"}) {
		t.Errorf("To: got %v", m.To)
	}
	if m.Body.Text != "body of oldest unseen\r\n" {
		t.Errorf("Body.Text: got %q", m.Body.Text)
	}
	if m.Date == nil || !m.Date.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("Date: got %v", m.Date)
	}
	if !m.ReceivedAt.Equal(received) {
		t.Errorf("ReceivedAt: got %v", m.ReceivedAt)
	}
	if m.Attachments == nil {
		t.Error("Attachments should be empty, not nil")
	}

	// Recv does not mark the message, so it comes back until Read.
	again, err := in.Recv(ctx)
	if err != nil || again.ID != "7" {
		t.Fatalf("second Recv: got %v, %v", again, err)
	}
	if err := in.Read(ctx, "7"); err != nil {
		t.Fatal(err)
	}
	next, err := in.Recv(ctx)
	if err != nil || next.ID != "9" {
		t.Fatalf("Recv after Read: got %v, %v", next, err)
	}
}

func TestRecv_Empty(t *testing.T) {
	t.Parallel()

	mb := newFakeMailbox()
	mb.add(1, rawMessage("read"), time.Now(), true)
	in, _ := newConnected(t, mb)

	m, err := in.Recv(context.Background())
	if err != nil || m != nil {
		t.Errorf("got %v, %v; want nil, nil", m, err)
	}
}

func TestRecv_NoDateHeader(t *testing.T) {
	t.Parallel()

	mb := newFakeMailbox()
	mb.add(1, "Subject: undated\r\n\r\nhi\r\n", time.Now(), false)
	in, _ := newConnected(t, mb)

	m, err := in.Recv(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if m.Date != nil {
		t.Errorf("Date: got %v, want nil", m.Date)
	}
	if m.To == nil || len(m.To) != 0 {
		t.Errorf("To: got %#v, want empty slice", m.To)
	}
}

func TestRead_InvalidID(t *testing.T) {
	t.Parallel()

	in, rec := newConnected(t, newFakeMailbox())

	for _, id := range []string{"", "abc", "0", "-1"} {
		if err := in.Read(context.Background(), id); !errors.Is(err, mailerr.InboxProtocol) {
			t.Errorf("Read(%q): got %v, want InboxProtocol", id, err)
		}
	}
	if !in.Connected() {
		t.Error("invalid id must not drop the connection")
	}
	if rec.count() != 0 {
		t.Errorf("OnError calls: got %d, want 0", rec.count())
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	mb := newFakeMailbox()
	now := time.Now()
	mb.add(1, rawMessage("old seen"), now.Add(-48*time.Hour), true)
	mb.add(2, rawMessage("old unseen"), now.Add(-48*time.Hour), false)
	mb.add(3, rawMessage("recent seen"), now.Add(-time.Hour), true)
	mb.add(4, rawMessage("old seen too"), now.Add(-72*time.Hour), true)
	// Flagged for deletion by another client; not ours to expunge.
	mb.add(7, rawMessage("foreign"), now.Add(-time.Hour), false)
	mb.messages[7].deleted = true
	in, _ := newConnected(t, mb)

	if err := in.Delete(context.Background(), 24); err != nil {
		t.Fatal(err)
	}

	expunged := slices.Clone(mb.expunged)
	slices.Sort(expunged)
	if !slices.Equal(expunged, []uint32{1, 4}) {
		t.Errorf("expunged UIDs: got %v, want [1 4]", expunged)
	}

	var left []uint32
	for uid := range mb.messages {
		left = append(left, uid)
	}
	slices.Sort(left)
	if !slices.Equal(left, []uint32{2, 3, 7}) {
		t.Errorf("remaining UIDs: got %v, want [2 3 7]", left)
	}
}

func TestDelete_NothingMatched(t *testing.T) {
	t.Parallel()

	mb := newFakeMailbox()
	mb.add(1, rawMessage("recent seen"), time.Now().Add(-time.Hour), true)
	in, _ := newConnected(t, mb)

	if err := in.Delete(context.Background(), 24); err != nil {
		t.Fatal(err)
	}
	if mb.expunged != nil {
		t.Errorf("expunge issued for %v, want none", mb.expunged)
	}
}

func TestProtocolFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")

	tests := []struct {
		name     string
		op       func(context.Context, *Inbox) error
		wantKind mailerr.Kind
	}{
		{
			name:     "status",
			op:       func(ctx context.Context, in *Inbox) error { _, err := in.Status(ctx); return err },
			wantKind: mailerr.InboxProtocol,
		},
		{
			name:     "recv",
			op:       func(ctx context.Context, in *Inbox) error { _, err := in.Recv(ctx); return err },
			wantKind: mailerr.InboxProtocol,
		},
		{
			name:     "read",
			op:       func(ctx context.Context, in *Inbox) error { return in.Read(ctx, "1") },
			wantKind: mailerr.InboxProtocol,
		},
		{
			name:     "delete",
			op:       func(ctx context.Context, in *Inbox) error { return in.Delete(ctx, 1) },
			wantKind: mailerr.InboxDelete,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mb := newFakeMailbox()
			mb.add(1, rawMessage("x"), time.Now(), false)
			in, rec := newConnected(t, mb)
			mb.fail(boom)

			err := tt.op(context.Background(), in)
			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("got %v, want %v", err, tt.wantKind)
			}
			if !errors.Is(err, boom) {
				t.Error("cause not wrapped")
			}
			if rec.count() != 1 {
				t.Errorf("OnError calls: got %d, want 1", rec.count())
			}
			if in.Connected() || !mb.loggedOut {
				t.Error("failure must disconnect")
			}
		})
	}
}

func TestSearchDay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   time.Time
		want time.Time
	}{
		{
			in:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			want: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			in:   time.Date(2024, 2, 29, 23, 59, 0, 0, time.UTC),
			want: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			in:   time.Date(2023, 12, 31, 8, 0, 0, 0, time.UTC),
			want: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		if got := searchDay(tt.in); !got.Equal(tt.want) {
			t.Errorf("searchDay(%v): got %v, want %v", tt.in, got, tt.want)
		}
	}
}
