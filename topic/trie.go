// Package topic implements the subscription trie: wildcard matching,
// publish fan-out, and the retained-message slot carried on each node.
package topic

import (
	"strings"
	"sync"

	"github.com/kestrelmq/broker/codec/packet"
	"github.com/kestrelmq/broker/encoding"
	"github.com/kestrelmq/broker/store"
)

// trieNode is one segment of a topic hierarchy: a set of child segments, a
// list of subscribers at this exact path, and at most one retained message.
type trieNode struct {
	children map[string]*trieNode
	subs     []Subscriber
	retained *store.StoredMessage
	mu       sync.RWMutex
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// Trie holds three independent root nodes: ordinary topics, topics with a
// leading '/', and $SYS topics. Keeping them separate means a wildcard
// subscription on one root can never match a topic rooted elsewhere,
// without special-casing '+'/'#' against a leading slash or a '$' prefix.
type Trie struct {
	mu      sync.RWMutex
	root    *trieNode
	absRoot *trieNode
	sysRoot *trieNode
}

// NewTrie creates an empty trie.
func NewTrie() *Trie {
	return &Trie{root: newTrieNode(), absRoot: newTrieNode(), sysRoot: newTrieNode()}
}

func (t *Trie) rootFor(topic string) (*trieNode, string) {
	switch {
	case strings.HasPrefix(topic, "$SYS"):
		return t.sysRoot, topic
	case strings.HasPrefix(topic, "/"):
		return t.absRoot, topic[1:]
	default:
		return t.root, topic
	}
}

func splitLevels(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

// navigate walks levels from root, creating missing nodes when create is
// true. Returns nil if create is false and the path doesn't exist.
func (t *Trie) navigate(root *trieNode, levels []string, create bool) *trieNode {
	node := root
	for _, l := range levels {
		node.mu.Lock()
		child := node.children[l]
		if child == nil {
			if !create {
				node.mu.Unlock()
				return nil
			}
			child = newTrieNode()
			node.children[l] = child
		}
		node.mu.Unlock()
		node = child
	}
	return node
}

// Subscribe inserts (connID, qos) at filter's leaf. Re-subscribing the same
// connection to the same filter updates its QoS in place and reports
// duplicate=true.
func (t *Trie) Subscribe(filter, connID string, qos packet.QoS) (duplicate bool, err error) {
	if err := encoding.ValidateTopicFilter(filter); err != nil {
		return false, err
	}

	root, remainder := t.rootFor(filter)
	levels := splitLevels(remainder)

	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.navigate(root, levels, true)

	node.mu.Lock()
	defer node.mu.Unlock()

	for i := range node.subs {
		if node.subs[i].ConnID == connID {
			node.subs[i].QoS = qos
			return true, nil
		}
	}
	node.subs = append(node.subs, Subscriber{ConnID: connID, QoS: qos})
	return false, nil
}

// Unsubscribe removes connID's subscription at filter, pruning empty nodes
// on the way back up. Reports whether a subscription was actually removed.
func (t *Trie) Unsubscribe(filter, connID string) bool {
	root, remainder := t.rootFor(filter)
	levels := splitLevels(remainder)

	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.navigate(root, levels, false)
	if node == nil {
		return false
	}

	node.mu.Lock()
	removed := false
	for i, s := range node.subs {
		if s.ConnID == connID {
			node.subs = append(node.subs[:i], node.subs[i+1:]...)
			removed = true
			break
		}
	}
	node.mu.Unlock()

	if removed {
		t.pruneEmpty(root, levels)
	}
	return removed
}

// UnsubscribeAll removes every subscription connID holds anywhere in the
// trie. Used on disconnect/clean-session wipe. Returns the count removed.
func (t *Trie) UnsubscribeAll(connID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for _, root := range []*trieNode{t.root, t.absRoot, t.sysRoot} {
		count += t.unsubscribeAllRecursive(root, connID)
	}
	return count
}

func (t *Trie) unsubscribeAllRecursive(node *trieNode, connID string) int {
	node.mu.Lock()
	count := 0
	for i := 0; i < len(node.subs); {
		if node.subs[i].ConnID == connID {
			node.subs = append(node.subs[:i], node.subs[i+1:]...)
			count++
			continue
		}
		i++
	}
	children := make([]*trieNode, 0, len(node.children))
	for _, c := range node.children {
		children = append(children, c)
	}
	node.mu.Unlock()

	for _, c := range children {
		count += t.unsubscribeAllRecursive(c, connID)
	}

	node.mu.Lock()
	pruned := make([]string, 0)
	for key, c := range node.children {
		c.mu.RLock()
		empty := len(c.children) == 0 && len(c.subs) == 0 && c.retained == nil
		c.mu.RUnlock()
		if empty {
			pruned = append(pruned, key)
		}
	}
	for _, key := range pruned {
		delete(node.children, key)
	}
	node.mu.Unlock()

	return count
}

// pruneEmpty walks back from levels' leaf toward root, deleting nodes that
// have no children, no subscribers and no retained message.
func (t *Trie) pruneEmpty(root *trieNode, levels []string) {
	path := make([]*trieNode, 0, len(levels)+1)
	path = append(path, root)
	node := root
	for _, l := range levels {
		node.mu.RLock()
		next := node.children[l]
		node.mu.RUnlock()
		if next == nil {
			return
		}
		path = append(path, next)
		node = next
	}

	for i := len(path) - 1; i > 0; i-- {
		cur := path[i]
		parent := path[i-1]

		cur.mu.RLock()
		empty := len(cur.children) == 0 && len(cur.subs) == 0 && cur.retained == nil
		cur.mu.RUnlock()
		if !empty {
			break
		}

		parent.mu.Lock()
		for key, child := range parent.children {
			if child == cur {
				delete(parent.children, key)
				break
			}
		}
		parent.mu.Unlock()
	}
}

// SetRetained sets or clears topic's retained slot. stored == nil clears it
// (the caller passes nil for an empty-payload retained publish). ms is used
// to adjust the outgoing/incoming StoredMessage refcounts.
func (t *Trie) SetRetained(topic string, stored *store.StoredMessage, ms *store.MessageStore) {
	root, remainder := t.rootFor(topic)
	levels := splitLevels(remainder)

	t.mu.Lock()
	node := t.navigate(root, levels, true)
	t.mu.Unlock()

	node.mu.Lock()
	old := node.retained
	node.retained = stored
	node.mu.Unlock()

	if stored != nil {
		ms.Retain(stored.ID)
	}
	if old != nil {
		ms.Release(old.ID)
	}

	if stored == nil {
		t.mu.Lock()
		t.pruneEmpty(root, levels)
		t.mu.Unlock()
	}
}

// Publish matches topic against every subscription in the trie and returns
// one Delivery per match, at effective QoS min(qos, subscription QoS).
// excludeConnID (the publishing bridge's connection, if any) is skipped to
// prevent bridge loops; aclAllows, when non-nil, gates each candidate
// subscriber by read permission on topic.
func (t *Trie) Publish(topic string, qos packet.QoS, excludeConnID string, aclAllows func(connID, topic string) bool) []Delivery {
	root, remainder := t.rootFor(topic)
	levels := splitLevels(remainder)

	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Delivery
	t.matchRecursive(root, levels, 0, topic, qos, excludeConnID, aclAllows, &out)
	return out
}

func (t *Trie) matchRecursive(node *trieNode, levels []string, depth int, topic string, qos packet.QoS, excludeConnID string, aclAllows func(string, string) bool, out *[]Delivery) {
	node.mu.RLock()

	if hash := node.children["#"]; hash != nil {
		hash.mu.RLock()
		appendMatches(out, hash.subs, topic, qos, excludeConnID, aclAllows)
		hash.mu.RUnlock()
	}

	if depth == len(levels) {
		appendMatches(out, node.subs, topic, qos, excludeConnID, aclAllows)
		node.mu.RUnlock()
		return
	}

	level := levels[depth]
	literal := node.children[level]
	plus := node.children["+"]
	node.mu.RUnlock()

	if literal != nil {
		t.matchRecursive(literal, levels, depth+1, topic, qos, excludeConnID, aclAllows, out)
	}
	if plus != nil {
		t.matchRecursive(plus, levels, depth+1, topic, qos, excludeConnID, aclAllows, out)
	}
}

func appendMatches(out *[]Delivery, subs []Subscriber, topic string, qos packet.QoS, excludeConnID string, aclAllows func(string, string) bool) {
	for _, s := range subs {
		if s.ConnID == excludeConnID {
			continue
		}
		if aclAllows != nil && !aclAllows(s.ConnID, topic) {
			continue
		}
		eff := qos
		if s.QoS < eff {
			eff = s.QoS
		}
		*out = append(*out, Delivery{ConnID: s.ConnID, QoS: eff})
	}
}

// RetainQueue walks the trie interpreting subFilter as a subscribe pattern
// and returns one RetainedDelivery for every node along matching paths whose
// retained slot is non-empty. aclAllows, when non-nil, gates each candidate
// by read permission on the retained message's topic.
func (t *Trie) RetainQueue(subFilter string, subQoS packet.QoS, aclAllows func(topic string) bool) []RetainedDelivery {
	root, remainder := t.rootFor(subFilter)
	levels := splitLevels(remainder)

	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []RetainedDelivery
	t.retainRecursive(root, levels, 0, subQoS, aclAllows, &out)
	return out
}

func (t *Trie) retainRecursive(node *trieNode, levels []string, depth int, subQoS packet.QoS, aclAllows func(string) bool, out *[]RetainedDelivery) {
	node.mu.RLock()
	defer node.mu.RUnlock()

	if depth == len(levels) {
		appendRetained(node, subQoS, aclAllows, out)
		return
	}

	switch levels[depth] {
	case "#":
		collectRetained(node, subQoS, aclAllows, out)
	case "+":
		for _, child := range node.children {
			t.retainRecursive(child, levels, depth+1, subQoS, aclAllows, out)
		}
	default:
		if child := node.children[levels[depth]]; child != nil {
			t.retainRecursive(child, levels, depth+1, subQoS, aclAllows, out)
		}
	}
}

func collectRetained(node *trieNode, subQoS packet.QoS, aclAllows func(string) bool, out *[]RetainedDelivery) {
	appendRetained(node, subQoS, aclAllows, out)
	for _, child := range node.children {
		child.mu.RLock()
		collectRetained(child, subQoS, aclAllows, out)
		child.mu.RUnlock()
	}
}

func appendRetained(node *trieNode, subQoS packet.QoS, aclAllows func(string) bool, out *[]RetainedDelivery) {
	if node.retained == nil {
		return
	}
	if aclAllows != nil && !aclAllows(node.retained.Topic) {
		return
	}
	eff := node.retained.QoS
	if subQoS < eff {
		eff = subQoS
	}
	*out = append(*out, RetainedDelivery{Topic: node.retained.Topic, Stored: node.retained, QoS: eff})
}

// WalkEntry is one path produced by Walk: its reconstructed topic string,
// the subscribers registered exactly there, and its retained message, if
// any. Used by the persistence writer to emit SUB and RETAIN chunks.
type WalkEntry struct {
	Topic    string
	Subs     []Subscriber
	Retained *store.StoredMessage
}

// Walk visits every node in the trie that has a subscriber or a retained
// message, reconstructing the full topic string each one corresponds to.
func (t *Trie) Walk(fn func(WalkEntry)) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	t.walkRecursive(t.root, nil, fn, func(levels []string) string {
		return strings.Join(levels, "/")
	})
	t.walkRecursive(t.absRoot, nil, fn, func(levels []string) string {
		return "/" + strings.Join(levels, "/")
	})
	t.walkRecursive(t.sysRoot, nil, fn, func(levels []string) string {
		return strings.Join(levels, "/")
	})
}

func (t *Trie) walkRecursive(node *trieNode, levels []string, fn func(WalkEntry), render func([]string) string) {
	node.mu.RLock()
	subs := append([]Subscriber(nil), node.subs...)
	retained := node.retained
	children := make(map[string]*trieNode, len(node.children))
	for k, c := range node.children {
		children[k] = c
	}
	node.mu.RUnlock()

	if len(subs) > 0 || retained != nil {
		fn(WalkEntry{Topic: render(levels), Subs: subs, Retained: retained})
	}

	for seg, child := range children {
		t.walkRecursive(child, append(append([]string(nil), levels...), seg), fn, render)
	}
}

// Count returns the total number of subscriptions held in the trie.
func (t *Trie) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for _, root := range []*trieNode{t.root, t.absRoot, t.sysRoot} {
		count += countRecursive(root)
	}
	return count
}

func countRecursive(node *trieNode) int {
	node.mu.RLock()
	defer node.mu.RUnlock()

	count := len(node.subs)
	for _, child := range node.children {
		count += countRecursive(child)
	}
	return count
}
