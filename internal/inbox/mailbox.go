package inbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

var (
	// ErrLoginFailed marks a rejected LOGIN.
	ErrLoginFailed = errors.New("IMAP login failed")
	// ErrNoUIDExpunge is returned when the server cannot expunge by UID.
	ErrNoUIDExpunge = errors.New("IMAP server does not support UID EXPUNGE")
)

// Mailbox is an authenticated session with INBOX selected.
type Mailbox interface {
	// Counts returns the number of messages and of unseen messages.
	Counts(ctx context.Context) (total, unseen int, err error)
	// UnseenUIDs returns the UIDs without \Seen.
	UnseenUIDs(ctx context.Context) ([]uint32, error)
	// Fetch returns the full source and internal date of a message
	// without setting \Seen. ok is false when the UID does not exist.
	Fetch(ctx context.Context, uid uint32) (raw []byte, received time.Time, ok bool, err error)
	// SeenBefore returns the UIDs of seen messages received before t.
	SeenBefore(ctx context.Context, t time.Time) ([]uint32, error)
	// AddFlags adds flags to the given UIDs.
	AddFlags(ctx context.Context, uids []uint32, flags ...string) error
	// Expunge permanently removes the given UIDs, which must already be
	// flagged \Deleted. Other \Deleted messages are left alone.
	Expunge(ctx context.Context, uids []uint32) error
	// Logout ends the session and closes the connection.
	Logout(ctx context.Context) error
}

// DialFunc opens a Mailbox. Login failures wrap ErrLoginFailed.
type DialFunc func(ctx context.Context, cfg Config) (Mailbox, error)

// imapMailbox is a Mailbox over go-imap.
type imapMailbox struct {
	client *imapclient.Client
}

// DialIMAP connects with implicit TLS when cfg.Secure is set and with
// STARTTLS otherwise, logs in and selects INBOX.
func DialIMAP(ctx context.Context, cfg Config) (Mailbox, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.TLS != nil {
		tlsCfg = cfg.TLS.Clone()
	}
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = cfg.Host
	}
	opts := &imapclient.Options{TLSConfig: tlsCfg}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		client *imapclient.Client
		err    error
	)
	if cfg.Secure {
		d := &tls.Dialer{Config: tlsCfg}
		conn, derr := d.DialContext(dialCtx, "tcp", addr)
		if derr != nil {
			return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, derr)
		}
		client = imapclient.New(conn, opts)
	} else {
		var d net.Dialer
		conn, derr := d.DialContext(dialCtx, "tcp", addr)
		if derr != nil {
			return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, derr)
		}
		client, err = imapclient.NewStartTLS(conn, opts)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("IMAP STARTTLS with %s: %w", addr, err)
		}
	}

	mb := &imapMailbox{client: client}
	err = mb.guard(ctx, func() error {
		if err := client.Login(cfg.Username, cfg.Password).Wait(); err != nil {
			return fmt.Errorf("%w for %s: %v", ErrLoginFailed, cfg.Username, err)
		}
		if _, err := client.Select("INBOX", nil).Wait(); err != nil {
			return fmt.Errorf("selecting INBOX: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return mb, nil
}

// guard runs fn and closes the connection if ctx is cancelled meanwhile,
// which unblocks any pending command.
func (m *imapMailbox) guard(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = m.client.Close()
	})
	err := fn()
	if !stop() && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (m *imapMailbox) search(ctx context.Context, criteria *imap.SearchCriteria) ([]uint32, error) {
	var uids []uint32
	err := m.guard(ctx, func() error {
		data, err := m.client.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return fmt.Errorf("searching INBOX: %w", err)
		}
		for _, uid := range data.AllUIDs() {
			uids = append(uids, uint32(uid))
		}
		return nil
	})
	return uids, err
}

func (m *imapMailbox) Counts(ctx context.Context) (int, int, error) {
	all, err := m.search(ctx, &imap.SearchCriteria{})
	if err != nil {
		return 0, 0, err
	}
	unseen, err := m.UnseenUIDs(ctx)
	if err != nil {
		return 0, 0, err
	}
	return len(all), len(unseen), nil
}

func (m *imapMailbox) UnseenUIDs(ctx context.Context) ([]uint32, error) {
	return m.search(ctx, &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}})
}

func (m *imapMailbox) Fetch(ctx context.Context, uid uint32) ([]byte, time.Time, bool, error) {
	section := &imap.FetchItemBodySection{Peek: true}
	opts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}

	var (
		raw      []byte
		received time.Time
		found    bool
	)
	err := m.guard(ctx, func() error {
		cmd := m.client.Fetch(imap.UIDSetNum(imap.UID(uid)), opts)
		defer cmd.Close()

		msg := cmd.Next()
		if msg == nil {
			return cmd.Close()
		}
		buf, err := msg.Collect()
		if err != nil {
			return fmt.Errorf("fetching UID %d: %w", uid, err)
		}
		raw = buf.FindBodySection(section)
		received = buf.InternalDate
		found = raw != nil
		return cmd.Close()
	})
	return raw, received, found, err
}

func (m *imapMailbox) SeenBefore(ctx context.Context, t time.Time) ([]uint32, error) {
	// BEFORE compares dates only, so search up to the following day and
	// filter on the exact internal date.
	candidates, err := m.search(ctx, &imap.SearchCriteria{
		Flag:   []imap.Flag{imap.FlagSeen},
		Before: searchDay(t),
	})
	if err != nil || len(candidates) == 0 {
		return nil, err
	}

	uidSet := imap.UIDSet{}
	for _, uid := range candidates {
		uidSet.AddNum(imap.UID(uid))
	}

	var uids []uint32
	err = m.guard(ctx, func() error {
		cmd := m.client.Fetch(uidSet, &imap.FetchOptions{UID: true, InternalDate: true})
		defer cmd.Close()

		for {
			msg := cmd.Next()
			if msg == nil {
				break
			}
			buf, err := msg.Collect()
			if err != nil {
				return fmt.Errorf("fetching internal dates: %w", err)
			}
			if buf.InternalDate.Before(t) {
				uids = append(uids, uint32(buf.UID))
			}
		}
		return cmd.Close()
	})
	return uids, err
}

func (m *imapMailbox) AddFlags(ctx context.Context, uids []uint32, flags ...string) error {
	if len(uids) == 0 {
		return nil
	}
	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}
	imapFlags := make([]imap.Flag, len(flags))
	for i, f := range flags {
		imapFlags[i] = imap.Flag(f)
	}

	return m.guard(ctx, func() error {
		err := m.client.Store(uidSet, &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  imapFlags,
		}, nil).Close()
		if err != nil {
			return fmt.Errorf("storing flags: %w", err)
		}
		return nil
	})
}

func (m *imapMailbox) Expunge(ctx context.Context, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	caps := m.client.Caps()
	if !caps.Has(imap.CapUIDPlus) && !caps.Has(imap.CapIMAP4rev2) {
		return ErrNoUIDExpunge
	}
	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}
	return m.guard(ctx, func() error {
		if err := m.client.UIDExpunge(uidSet).Close(); err != nil {
			return fmt.Errorf("expunging INBOX: %w", err)
		}
		return nil
	})
}

func (m *imapMailbox) Logout(ctx context.Context) error {
	err := m.guard(ctx, func() error {
		return m.client.Logout().Wait()
	})
	_ = m.client.Close()
	return err
}

// searchDay returns the first day whose BEFORE search includes every
// message received before t.
func searchDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
}
