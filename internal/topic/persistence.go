package topic

import (
	"strings"

	"github.com/pyr33x/goqtt/internal/packet"
)

// RetainedSnapshot is one retained message as written to the persistence
// dump (spec.md §4.7).
type RetainedSnapshot struct {
	Topic   string          `json:"topic"`
	Payload []byte          `json:"payload"`
	QoS     packet.QoSLevel `json:"qos"`
}

// SubscriptionSnapshot is one (filter, client, qos) subscription entry.
type SubscriptionSnapshot struct {
	Filter   string          `json:"filter"`
	ClientID string          `json:"client_id"`
	QoS      packet.QoSLevel `json:"qos"`
}

// Snapshot walks the trie and returns every retained message and every live
// subscription, for the broker's periodic persistence dump.
func (t *Tree) Snapshot() ([]RetainedSnapshot, []SubscriptionSnapshot) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var retained []RetainedSnapshot
	var subs []SubscriptionSnapshot

	var walk func(n *node, path []string)
	walk = func(n *node, path []string) {
		if n.retained != nil {
			retained = append(retained, RetainedSnapshot{
				Topic:   strings.Join(path, "/"),
				Payload: append([]byte(nil), n.retained.payload...),
				QoS:     n.retained.qos,
			})
		}
		for clientID, qos := range n.subscribers {
			subs = append(subs, SubscriptionSnapshot{
				Filter:   strings.Join(path, "/"),
				ClientID: clientID,
				QoS:      qos,
			})
		}
		for seg, child := range n.children {
			walk(child, append(append([]string{}, path...), seg))
		}
	}
	walk(t.root, nil)

	return retained, subs
}

// Restore rebuilds the trie from a prior Snapshot. It is meant to run
// before the broker starts accepting connections, so no locking races with
// live Publish/Subscribe traffic are possible.
func (t *Tree) Restore(retainedMsgs []RetainedSnapshot, subs []SubscriptionSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range retainedMsgs {
		n := t.descendLocked(splitSegments(r.Topic))
		n.retained = &retained{payload: append([]byte(nil), r.Payload...), qos: r.QoS}
	}
	for _, s := range subs {
		n := t.descendLocked(splitSegments(s.Filter))
		n.subscribers[s.ClientID] = s.QoS
	}
}

// descendLocked walks segments from the root, creating nodes as needed, and
// returns the terminal node. Must be called with t.mu held.
func (t *Tree) descendLocked(segments []string) *node {
	n := t.root
	for _, seg := range segments {
		child, ok := n.children[seg]
		if !ok {
			child = newNode()
			n.children[seg] = child
		}
		n = child
	}
	return n
}
