package pushbus

import (
	"sync"

	"github.com/agentmaestro/agentmaestro/internal/domain"
)

// Bus delivers envelopes to a named group's current subscribers,
// best-effort. Delivery never blocks the publisher; a slow subscriber
// drops messages rather than stalling the run that published them.
type Bus interface {
	Publish(group string, env Envelope)
	Subscribe(group, subscriberID string, bufSize int) (<-chan Envelope, func())
	SubscriberCount(group string) int
}

// InMemoryBus is the in-process Bus, generalizing the host's
// events.Bus from one flat subscriber map to one map-of-channels per
// group — the natural shape for this domain's per-run/per-workspace
// topic namespaces.
type InMemoryBus struct {
	mu     sync.RWMutex
	groups map[string]map[string]chan Envelope
}

// NewInMemoryBus constructs an empty bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{groups: make(map[string]map[string]chan Envelope)}
}

// Publish sends env to every current subscriber of group. Non-blocking:
// a full subscriber channel drops the message.
func (b *InMemoryBus) Publish(group string, env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.groups[group] {
		select {
		case ch <- env:
		default:
		}
	}
}

// Subscribe registers subscriberID under group and returns its channel
// plus an unsubscribe func. Re-subscribing the same id replaces its
// channel.
func (b *InMemoryBus) Subscribe(group, subscriberID string, bufSize int) (<-chan Envelope, func()) {
	if bufSize <= 0 {
		bufSize = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.groups[group]
	if !ok {
		subs = make(map[string]chan Envelope)
		b.groups[group] = subs
	}
	ch := make(chan Envelope, bufSize)
	subs[subscriberID] = ch

	return ch, func() { b.unsubscribe(group, subscriberID) }
}

func (b *InMemoryBus) unsubscribe(group, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.groups[group]
	if !ok {
		return
	}
	if ch, ok := subs[subscriberID]; ok {
		close(ch)
		delete(subs, subscriberID)
	}
	if len(subs) == 0 {
		delete(b.groups, group)
	}
}

// SubscriberCount reports how many subscribers a group currently has.
func (b *InMemoryBus) SubscriberCount(group string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.groups[group])
}

// Broadcaster adapts a Bus to journal.Broadcaster.
type Broadcaster struct {
	Bus Bus
}

func (b *Broadcaster) BroadcastRunEvent(runID string, event domain.RunEvent) {
	b.Bus.Publish(RunGroup(runID), NewRunPush(event))
}

func (b *Broadcaster) BroadcastWorkspaceEvent(workspaceID, label string, event domain.RunEvent) {
	b.Bus.Publish(WorkspaceGroup(workspaceID), NewWorkspacePush(workspaceID, label, event))
}

func (b *Broadcaster) BroadcastApprovalEvent(workspaceID string, event domain.RunEvent) {
	b.Bus.Publish(ApprovalsGroup(workspaceID), NewApprovalsPush(workspaceID, event.EventType, event.Payload))
}
