// Package eventbus delivers in-process events by key.
//
// A channel for a key exists exactly while it has subscribers: the first
// subscription creates it and removing the last one deletes it, so publishing
// to a key nobody listens on does nothing and leaves nothing behind.
//
// Every channel numbers its publishes. Each subscriber remembers the last
// number it has seen. A live-only subscriber starts at the channel's current
// number and never sees earlier events. A sticky subscriber starts at zero and
// receives the latest event as soon as it can.
//
// Subscribers bound to a Scope receive events only while the scope is active.
// When the scope becomes active again they get the latest event if it is newer
// than what they have seen, and the scope's destruction unsubscribes them.
package eventbus

import (
	"reflect"
	"sort"
	"sync"

	"github.com/danmuck/procbus/internal/lifecycle"
	"github.com/danmuck/procbus/internal/route"
	"github.com/rs/zerolog/log"
)

// Observer receives events for the keys it subscribed to. Observers are map
// keys: a value whose dynamic contents are not comparable, such as a struct
// holding a slice in an interface field, is ignored like a nil observer.
type Observer interface {
	OnEvent(key string, payload route.Payload)
}

type funcObserver struct {
	fn func(key string, payload route.Payload)
}

func (o *funcObserver) OnEvent(key string, payload route.Payload) {
	o.fn(key, payload)
}

// NewObserver wraps fn. Keep the returned value to unsubscribe later; each
// call yields a distinct observer.
func NewObserver(fn func(key string, payload route.Payload)) Observer {
	if fn == nil {
		return nil
	}
	return &funcObserver{fn: fn}
}

// Scope bounds a subscription. lifecycle.Lifecycle implements it.
type Scope interface {
	State() lifecycle.State
	Watch(fn func(lifecycle.State)) (cancel func())
}

// PublishFunc publishes one event and reports how many subscribers got it.
type PublishFunc func(key string, payload route.Payload) int

type Option func(*Bus)

// WithSubscribeHook runs fn inside every subscribe call, after the subscriber
// is added. Events fn publishes through the PublishFunc it is handed reach
// every subscriber except the one being registered. Publishes from anywhere
// else reach the new subscriber as usual.
func WithSubscribeHook(fn func(key string, publish PublishFunc)) Option {
	return func(b *Bus) {
		b.hook = fn
	}
}

type Bus struct {
	hook func(key string, publish PublishFunc)

	mu       sync.Mutex
	channels map[string]*channel
}

func New(opts ...Option) *Bus {
	b := &Bus{channels: make(map[string]*channel)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type channel struct {
	key string

	mu     sync.Mutex
	seq    uint64
	latest route.Payload
	subs   []*subscriber
	index  map[Observer]*subscriber
	closed bool
}

type subscriber struct {
	observer Observer
	scope    Scope
	sticky   bool

	mu          sync.Mutex
	lastSeen    uint64
	removed     bool
	cancelWatch func()
}

// Subscribe registers observer for key while scope is active. Events published
// before the call are never delivered to it.
func (b *Bus) Subscribe(key string, scope Scope, observer Observer) {
	if isNil(scope) {
		return
	}
	b.subscribe(key, scope, observer, false)
}

// SubscribeSticky is Subscribe plus delivery of the latest event once the
// scope is active.
func (b *Bus) SubscribeSticky(key string, scope Scope, observer Observer) {
	if isNil(scope) {
		return
	}
	b.subscribe(key, scope, observer, true)
}

// SubscribeForever registers observer until Unsubscribe.
func (b *Bus) SubscribeForever(key string, observer Observer) {
	b.subscribe(key, nil, observer, false)
}

// SubscribeStickyForever registers observer until Unsubscribe and delivers
// the latest event right away if there is one.
func (b *Bus) SubscribeStickyForever(key string, observer Observer) {
	b.subscribe(key, nil, observer, true)
}

func (b *Bus) subscribe(key string, scope Scope, observer Observer, sticky bool) {
	if key == "" || !validObserver(observer) {
		return
	}
	if scope != nil && scope.State() == lifecycle.Destroyed {
		return
	}

	sub := &subscriber{
		observer: observer,
		scope:    scope,
		sticky:   sticky,
	}

	b.mu.Lock()
	ch, ok := b.channels[key]
	if !ok {
		ch = &channel{key: key, index: make(map[Observer]*subscriber)}
		b.channels[key] = ch
		log.Debug().Str("key", key).Msg("eventbus.Bus channel created")
	}
	ch.mu.Lock()
	if _, dup := ch.index[observer]; dup {
		ch.mu.Unlock()
		b.mu.Unlock()
		return
	}
	if !sticky {
		sub.lastSeen = ch.seq
	}
	replaySeq, replay := ch.seq, ch.latest
	ch.subs = append(ch.subs, sub)
	ch.index[observer] = sub
	ch.mu.Unlock()
	b.mu.Unlock()

	if scope != nil {
		cancel := scope.Watch(func(state lifecycle.State) {
			b.onScopeChange(ch, sub, state)
		})
		sub.mu.Lock()
		if sub.removed {
			sub.mu.Unlock()
			cancel()
		} else {
			sub.cancelWatch = cancel
			sub.mu.Unlock()
		}
		// destroyed between the first check and Watch
		if scope.State() == lifecycle.Destroyed {
			b.remove(key, sub)
			return
		}
	}

	if b.hook != nil {
		b.hook(key, func(k string, payload route.Payload) int {
			return b.publish(k, payload, sub)
		})
	}

	if sticky && replaySeq > 0 {
		sub.deliver(key, replaySeq, replay)
	}
}

// Unsubscribe removes observer from key. Removing the last subscriber deletes
// the channel.
func (b *Bus) Unsubscribe(key string, observer Observer) {
	if key == "" || !validObserver(observer) {
		return
	}
	b.mu.Lock()
	ch, ok := b.channels[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	ch.mu.Lock()
	sub, ok := ch.index[observer]
	ch.mu.Unlock()
	b.mu.Unlock()
	if ok {
		b.remove(key, sub)
	}
}

// Publish delivers payload to the current subscribers of key and returns how
// many received it. Without a channel for key it does nothing.
func (b *Bus) Publish(key string, payload route.Payload) int {
	return b.publish(key, payload, nil)
}

// publish delivers to every subscriber of key except skip, whose marker still
// moves past the event.
func (b *Bus) publish(key string, payload route.Payload, skip *subscriber) int {
	if key == "" {
		return 0
	}
	b.mu.Lock()
	ch, ok := b.channels[key]
	b.mu.Unlock()
	if !ok {
		return 0
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return 0
	}
	ch.seq++
	seq := ch.seq
	ch.latest = payload.Clone()
	subs := make([]*subscriber, len(ch.subs))
	copy(subs, ch.subs)
	ch.mu.Unlock()

	delivered := 0
	for _, sub := range subs {
		if sub == skip {
			sub.markSeen(seq)
			continue
		}
		if sub.deliver(key, seq, payload) {
			delivered++
		}
	}
	return delivered
}

func (b *Bus) HasChannel(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.channels[key]
	return ok
}

func (b *Bus) SubscriberCount(key string) int {
	b.mu.Lock()
	ch, ok := b.channels[key]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subs)
}

// Keys lists keys with live channels in lexical order.
func (b *Bus) Keys() []string {
	b.mu.Lock()
	out := make([]string, 0, len(b.channels))
	for k := range b.channels {
		out = append(out, k)
	}
	b.mu.Unlock()
	sort.Strings(out)
	return out
}

func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

func (b *Bus) onScopeChange(ch *channel, sub *subscriber, state lifecycle.State) {
	switch {
	case state == lifecycle.Destroyed:
		b.remove(ch.key, sub)
	case state.Active():
		ch.mu.Lock()
		seq, latest := ch.seq, ch.latest
		ch.mu.Unlock()
		if seq > 0 {
			sub.deliver(ch.key, seq, latest)
		}
	}
}

func (b *Bus) remove(key string, sub *subscriber) {
	b.mu.Lock()
	ch, ok := b.channels[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	ch.mu.Lock()
	if ch.index[sub.observer] != sub {
		ch.mu.Unlock()
		b.mu.Unlock()
		return
	}
	delete(ch.index, sub.observer)
	for i, s := range ch.subs {
		if s == sub {
			ch.subs = append(ch.subs[:i], ch.subs[i+1:]...)
			break
		}
	}
	emptied := len(ch.subs) == 0
	if emptied {
		ch.closed = true
		ch.latest = nil
		delete(b.channels, key)
	}
	ch.mu.Unlock()
	b.mu.Unlock()

	if emptied {
		log.Debug().Str("key", key).Msg("eventbus.Bus channel removed")
	}

	sub.mu.Lock()
	sub.removed = true
	cancel := sub.cancelWatch
	sub.cancelWatch = nil
	sub.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// deliver hands one event to the observer at most once per sequence number.
func (s *subscriber) deliver(key string, seq uint64, payload route.Payload) bool {
	s.mu.Lock()
	if s.removed || seq <= s.lastSeen {
		s.mu.Unlock()
		return false
	}
	if s.scope != nil && !s.scope.State().Active() {
		s.mu.Unlock()
		return false
	}
	s.lastSeen = seq
	s.mu.Unlock()

	s.observer.OnEvent(key, payload.Clone())
	return true
}

func (s *subscriber) markSeen(seq uint64) {
	s.mu.Lock()
	if seq > s.lastSeen {
		s.lastSeen = seq
	}
	s.mu.Unlock()
}

// validObserver rejects nil and values that cannot serve as map keys. A
// comparable type can still panic when hashed if an interface field holds a
// slice, map or func, so the value itself is tried as a key.
func validObserver(o Observer) (ok bool) {
	if isNil(o) || !reflect.TypeOf(o).Comparable() {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	keys := make(map[Observer]struct{}, 1)
	keys[o] = struct{}{}
	return true
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
