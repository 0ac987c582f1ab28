// Package topic implements the broker's topic handler (spec.md §4.2): a trie
// of topic-name segments storing subscribers and retained messages, with
// fan-out publish dispatch over single-level (+) and multi-level (#)
// wildcards.
package topic

import (
	"strings"
	"sync"

	"github.com/pyr33x/goqtt/internal/packet"
)

// Message is one fan-out delivery produced by Publish: a destination
// client-id and the packet to send it, already QoS-downgraded to
// min(published qos, granted qos).
type Message struct {
	ClientID string
	Packet   *packet.PublishPacket
}

type retained struct {
	payload []byte
	qos     packet.QoSLevel
}

type node struct {
	children    map[string]*node
	subscribers map[string]packet.QoSLevel
	retained    *retained
}

func newNode() *node {
	return &node{
		children:    make(map[string]*node),
		subscribers: make(map[string]packet.QoSLevel),
	}
}

func (n *node) empty() bool {
	return len(n.children) == 0 && len(n.subscribers) == 0 && n.retained == nil
}

// Tree is the broker-wide topic trie. A single RWMutex guards the whole
// structure; fan-out publish releases it before sending on the dispatch
// channel, per spec.md §4.2.
type Tree struct {
	mu   sync.RWMutex
	root *node
}

// New returns an empty topic trie.
func New() *Tree {
	return &Tree{root: newNode()}
}

func splitSegments(topic string) []string {
	if topic == "" {
		return []string{""}
	}
	return strings.Split(topic, "/")
}

func minQoS(a, b packet.QoSLevel) packet.QoSLevel {
	if a < b {
		return a
	}
	return b
}

type matchEntry struct {
	clientID string
	qos      packet.QoSLevel
}

// match walks the trie for the given topic segments, collecting every
// (client-id, granted-qos) pair whose filter matches, per §4.2 step 1-3.
func (t *Tree) match(segments []string) []matchEntry {
	var out []matchEntry
	var walk func(n *node, idx int)

	collect := func(n *node) {
		for cid, qos := range n.subscribers {
			out = append(out, matchEntry{cid, qos})
		}
	}

	walk = func(n *node, idx int) {
		if idx == len(segments) {
			collect(n)
			if hash, ok := n.children["#"]; ok {
				collect(hash)
			}
			return
		}

		seg := segments[idx]
		// §4.2 / §9: topics beginning with '$' do not match wildcards
		// starting at the root.
		skipWildcards := idx == 0 && strings.HasPrefix(seg, "$")

		if !skipWildcards {
			if hash, ok := n.children["#"]; ok {
				collect(hash)
			}
			if plus, ok := n.children["+"]; ok {
				walk(plus, idx+1)
			}
		}

		if exact, ok := n.children[seg]; ok {
			walk(exact, idx+1)
		}
	}

	walk(t.root, 0)
	return out
}

// Publish walks the trie for pub.Topic, stores/clears the retained message
// if pub.Retain is set, then releases the lock and emits one Message per
// matching subscriber onto out. The caller owns out and should size or
// drain it so this call does not block holding broker-wide state.
func (t *Tree) Publish(pub *packet.PublishPacket, out chan<- Message) {
	segments := splitSegments(pub.Topic)

	t.mu.Lock()
	matches := t.match(segments)
	if pub.Retain {
		t.storeRetainedLocked(segments, pub)
	}
	t.mu.Unlock()

	for _, m := range matches {
		clone := *pub
		clone.QoS = minQoS(pub.QoS, m.qos)
		clone.PacketID = nil
		clone.DUP = false
		out <- Message{ClientID: m.clientID, Packet: &clone}
	}
}

func (t *Tree) storeRetainedLocked(segments []string, pub *packet.PublishPacket) {
	n := t.root
	for _, seg := range segments {
		child, ok := n.children[seg]
		if !ok {
			if len(pub.Payload) == 0 {
				return // nothing retained here to clear
			}
			child = newNode()
			n.children[seg] = child
		}
		n = child
	}

	if len(pub.Payload) == 0 {
		n.retained = nil
		pruneEmpty(t.root, segments)
		return
	}

	n.retained = &retained{payload: append([]byte(nil), pub.Payload...), qos: pub.QoS}
}

// pruneEmpty removes now-empty nodes along the path to segments, walked
// from the root, so clearing a retained message or the last subscriber
// does not leak trie nodes forever.
func pruneEmpty(root *node, segments []string) {
	path := make([]*node, 0, len(segments)+1)
	path = append(path, root)
	n := root
	for _, seg := range segments {
		child, ok := n.children[seg]
		if !ok {
			return
		}
		path = append(path, child)
		n = child
	}

	for i := len(segments); i > 0; i-- {
		child := path[i]
		if !child.empty() {
			break
		}
		delete(path[i-1].children, segments[i-1])
	}
}

// RetainedDelivery is a retained message replayed to a fresh subscriber.
type RetainedDelivery struct {
	Topic  string
	Packet *packet.PublishPacket
}

type retainedHit struct {
	topic string
	r     *retained
}

// retainedMatchesLocked finds every retained message reachable by filter,
// honoring the same '#'/'+' wildcard and root '$' exclusion rules as match.
// Must be called with t.mu held.
func (t *Tree) retainedMatchesLocked(filterSegments []string) []retainedHit {
	var out []retainedHit

	var collectAll func(n *node, topic []string)
	collectAll = func(n *node, topic []string) {
		if n.retained != nil {
			out = append(out, retainedHit{topic: strings.Join(topic, "/"), r: n.retained})
		}
		for seg, child := range n.children {
			if seg == "+" || seg == "#" {
				continue // literal publishes never create wildcard-named segments
			}
			collectAll(child, append(append([]string{}, topic...), seg))
		}
	}

	var walk func(n *node, idx int, topic []string)
	walk = func(n *node, idx int, topic []string) {
		if idx == len(filterSegments) {
			if n.retained != nil {
				out = append(out, retainedHit{topic: strings.Join(topic, "/"), r: n.retained})
			}
			return
		}

		seg := filterSegments[idx]
		switch seg {
		case "#":
			if idx == 0 {
				if n.retained != nil {
					out = append(out, retainedHit{topic: strings.Join(topic, "/"), r: n.retained})
				}
				for key, child := range n.children {
					if strings.HasPrefix(key, "$") {
						continue
					}
					collectAll(child, append(append([]string{}, topic...), key))
				}
				return
			}
			collectAll(n, topic)
		case "+":
			for key, child := range n.children {
				if idx == 0 && strings.HasPrefix(key, "$") {
					continue
				}
				walk(child, idx+1, append(append([]string{}, topic...), key))
			}
		default:
			if child, ok := n.children[seg]; ok {
				walk(child, idx+1, append(append([]string{}, topic...), seg))
			}
		}
	}

	walk(t.root, 0, nil)
	return out
}

// Subscribe installs (clientID, filter.QoS) at every filter's terminal
// node, then returns the retained messages that immediately match, per
// §4.2. Re-subscribing to an existing filter updates the granted QoS.
func (t *Tree) Subscribe(clientID string, filters []packet.SubscribeFilter) []RetainedDelivery {
	t.mu.Lock()
	defer t.mu.Unlock()

	var deliveries []RetainedDelivery
	for _, f := range filters {
		segments := splitSegments(f.Topic)
		n := t.root
		for _, seg := range segments {
			child, ok := n.children[seg]
			if !ok {
				child = newNode()
				n.children[seg] = child
			}
			n = child
		}
		n.subscribers[clientID] = f.QoS

		for _, hit := range t.retainedMatchesLocked(segments) {
			qos := minQoS(hit.r.qos, f.QoS)
			deliveries = append(deliveries, RetainedDelivery{
				Topic: hit.topic,
				Packet: &packet.PublishPacket{
					Topic:   hit.topic,
					Payload: hit.r.payload,
					QoS:     qos,
					Retain:  true,
				},
			})
		}
	}
	return deliveries
}

// Unsubscribe removes clientID from each filter's terminal node and prunes
// any subtree left empty.
func (t *Tree) Unsubscribe(clientID string, filters []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, filter := range filters {
		segments := splitSegments(filter)
		n := t.root
		ok := true
		for _, seg := range segments {
			child, exists := n.children[seg]
			if !exists {
				ok = false
				break
			}
			n = child
		}
		if !ok {
			continue
		}
		delete(n.subscribers, clientID)
		pruneEmpty(t.root, segments)
	}
}

// RemoveClient removes clientID from every subscriber map in the trie,
// pruning emptied subtrees. Used on disconnect/clean-session cleanup.
func (t *Tree) RemoveClient(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var walk func(n *node) bool // returns true if n is now empty
	walk = func(n *node) bool {
		delete(n.subscribers, clientID)
		for seg, child := range n.children {
			if walk(child) {
				delete(n.children, seg)
			}
		}
		return n.empty()
	}
	walk(t.root)
}

// RetainedCount reports how many retained messages are stored, for metrics
// and tests.
func (t *Tree) RetainedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	var walk func(n *node)
	walk = func(n *node) {
		if n.retained != nil {
			count++
		}
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(t.root)
	return count
}
