// Package mail is a thin view over the store's mail table: a blocking
// inbox with FIFO-per-recipient, read-once semantics, backed by a poll
// loop and an in-package wakeup broker.
package mail

import (
	"context"
	"sync"
	"time"

	"github.com/kilnhq/kiln/internal/store"
)

const (
	// DefaultPollInterval is how often a blocking inbox checks the store
	// when no wakeup signal has arrived.
	DefaultPollInterval = 1 * time.Second
	// DefaultBlockDeadline is how long a blocking inbox waits before
	// giving up and returning empty.
	DefaultBlockDeadline = 5 * time.Minute
)

// wakeupEvent carries the recipient that just received mail, so a single
// shared broker can serve every recipient's waiters.
type wakeupEvent struct {
	Recipient string
}

const wakeupSubscriberBufferSize = 64

// wakeupBroker fans a "mail arrived for recipient" signal out to every
// BlockingInbox waiter, dropping the signal for any waiter whose channel
// is momentarily full rather than blocking Send.
type wakeupBroker struct {
	mu   sync.RWMutex
	subs map[chan wakeupEvent]struct{}
	done chan struct{}
}

func newWakeupBroker() *wakeupBroker {
	return &wakeupBroker{subs: make(map[chan wakeupEvent]struct{}), done: make(chan struct{})}
}

func (b *wakeupBroker) publish(ev wakeupEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	for sub := range b.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

func (b *wakeupBroker) subscribe(ctx context.Context) <-chan wakeupEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan wakeupEvent)
		close(ch)
		return ch
	default:
	}

	sub := make(chan wakeupEvent, wakeupSubscriberBufferSize)
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		select {
		case <-b.done:
			return
		default:
		}
		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Bus is the mail bus.
type Bus struct {
	store  *store.Store
	broker *wakeupBroker
}

// New constructs a Bus over s.
func New(s *store.Store) *Bus {
	return &Bus{store: s, broker: newWakeupBroker()}
}

// Send persists a message addressed to recipient and wakes any blocking
// inbox waiting on it.
func (b *Bus) Send(recipient string, kind store.MailKind, payload []byte) (*store.Mail, error) {
	m, err := b.store.SendMail(recipient, kind, payload)
	if err != nil {
		return nil, err
	}
	b.broker.publish(wakeupEvent{Recipient: recipient})
	return m, nil
}

// Check atomically returns and consumes all unconsumed mail for recipient.
func (b *Bus) Check(recipient string) ([]*store.Mail, error) {
	return b.store.CheckMail(recipient)
}

// Peek returns unconsumed mail for recipient without consuming it.
func (b *Bus) Peek(recipient string) ([]*store.Mail, error) {
	return b.store.PeekMail(recipient)
}

// BlockingInbox polls at DefaultPollInterval (woken early by Send) until
// at least one message is available for recipient or deadline elapses,
// then consumes and returns them in one transaction. If ctx is cancelled
// first (client disconnect), it returns with no messages consumed.
func (b *Bus) BlockingInbox(ctx context.Context, recipient string, deadline time.Duration) ([]*store.Mail, error) {
	if deadline <= 0 {
		deadline = DefaultBlockDeadline
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	wake := b.broker.subscribe(deadlineCtx)

	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()

	for {
		msgs, err := b.store.CheckMail(recipient)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-deadlineCtx.Done():
			return nil, nil
		case ev, ok := <-wake:
			if ok && ev.Recipient != recipient {
				continue // not our recipient; keep waiting
			}
			// either our recipient woke, or the channel closed (ctx done) -
			// loop back to CheckMail to pick up the message or exit via ctx.Done
		case <-ticker.C:
			// fallback poll; correctness does not depend on the wakeup firing
		}
	}
}

// PurgeOlderThan deletes mail older than the given retention in days.
func (b *Bus) PurgeOlderThan(days int) (int64, error) {
	return b.store.PurgeMailOlderThan(days)
}
