// Package sentinel accumulates signed copies of group-authority messages
// until a quorum of distinct close-group members agree on one body.
package sentinel

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"xorroute/internal/ident"
	"xorroute/internal/wire"
)

// ErrSignatureInvalid marks a group copy whose signature did not verify
// against the claimed sender's key.
var ErrSignatureInvalid = errors.New("signature invalid")

// Sentinel gates group-authority messages. Add returns the body and true
// once enough matching signed copies from distinct senders accumulated.
// Direct (non-group) messages never pass through a Sentinel.
type Sentinel interface {
	Add(header wire.Header, tag wire.Tag, body []byte) ([]byte, bool)
}

// KeyProvider resolves a sender's long-term public key, typically from
// the routing table or the content cache.
type KeyProvider func(ident.Address) (ed25519.PublicKey, bool)

const (
	// DefaultQuorum matches the close-group size.
	DefaultQuorum = 8
	// DefaultTTL bounds how long a partial accumulation is kept.
	DefaultTTL = 2 * time.Minute
)

type accKey struct {
	Group     ident.Address
	MessageID uint32
}

type accumulation struct {
	body    []byte
	senders map[ident.Address]struct{}
	started time.Time
	done    bool
}

// Accumulator is the bundled Sentinel implementation: it verifies each
// copy's signature against the claimed sender's key and releases the body
// once Quorum distinct verified copies carry identical bytes.
type Accumulator struct {
	quorum int
	ttl    time.Duration
	keys   KeyProvider
	clock  clock.Clock
	log    *zap.Logger

	mu      sync.Mutex
	pending map[accKey]*accumulation
}

type Option func(*Accumulator)

func WithQuorum(q int) Option {
	return func(a *Accumulator) {
		if q > 0 {
			a.quorum = q
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(a *Accumulator) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(a *Accumulator) { a.clock = c }
}

func WithLogger(log *zap.Logger) Option {
	return func(a *Accumulator) {
		if log != nil {
			a.log = log
		}
	}
}

func NewAccumulator(keys KeyProvider, opts ...Option) *Accumulator {
	a := &Accumulator{
		quorum:  DefaultQuorum,
		ttl:     DefaultTTL,
		keys:    keys,
		clock:   clock.New(),
		log:     zap.NewNop(),
		pending: make(map[accKey]*accumulation),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Accumulator) Add(header wire.Header, _ wire.Tag, body []byte) ([]byte, bool) {
	group := header.FromGroup()
	if group == nil {
		// Not group authority; nothing to accumulate.
		return body, true
	}
	if len(header.Signature) != ed25519.SignatureSize {
		a.log.Warn("dropping unsigned group copy",
			zap.String("sender", header.Source.Node.Short()),
			zap.Error(ErrSignatureInvalid))
		return nil, false
	}
	pub, ok := a.keys(header.Source.Node)
	if !ok {
		a.log.Debug("no key for group copy sender",
			zap.String("sender", header.Source.Node.Short()))
		return nil, false
	}
	if !ed25519.Verify(pub, body, header.Signature) {
		a.log.Warn("dropping group copy",
			zap.String("sender", header.Source.Node.Short()),
			zap.Error(ErrSignatureInvalid))
		return nil, false
	}

	key := accKey{Group: *group, MessageID: header.MessageID}
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.pruneLocked(now)

	acc := a.pending[key]
	if acc == nil {
		acc = &accumulation{
			body:    body,
			senders: make(map[ident.Address]struct{}),
			started: now,
		}
		a.pending[key] = acc
	}
	if acc.done {
		return nil, false // quorum already released once
	}
	if !bytes.Equal(acc.body, body) {
		// Disagreeing copy; ignore it rather than poison the accumulation.
		return nil, false
	}
	acc.senders[header.Source.Node] = struct{}{}
	if len(acc.senders) < a.quorum {
		return nil, false
	}
	acc.done = true
	return acc.body, true
}

func (a *Accumulator) pruneLocked(now time.Time) {
	for k, acc := range a.pending {
		if now.Sub(acc.started) > a.ttl {
			delete(a.pending, k)
		}
	}
}
