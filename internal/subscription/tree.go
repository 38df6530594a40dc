package subscription

import (
	"strings"
	"sync"

	"github.com/dynabot/dynamq/internal/packet"
	"github.com/dynabot/dynamq/internal/packet/utils"
)

// Tree is a trie over topic filters. Each level of a filter is one node;
// the wildcard levels "+" and "#" are ordinary child keys with special
// matching rules.
type Tree struct {
	root *trieNode
	mu   sync.RWMutex
}

type trieNode struct {
	children    map[string]*trieNode
	subscribers map[string]packet.QoSLevel // ClientID -> granted QoS
}

func NewTree() *Tree {
	return &Tree{
		root: newTrieNode(),
	}
}

func newTrieNode() *trieNode {
	return &trieNode{
		children:    make(map[string]*trieNode),
		subscribers: make(map[string]packet.QoSLevel),
	}
}

// Add inserts or replaces a subscription. A repeat subscribe to the same
// exact filter replaces the previous grant.
func (t *Tree) Add(clientID, topicFilter string, qos packet.QoSLevel) error {
	if err := utils.ValidateTopicFilter(topicFilter); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	levels := strings.Split(topicFilter, "/")
	current := t.root

	for _, level := range levels {
		child, ok := current.children[level]
		if !ok {
			child = newTrieNode()
			current.children[level] = child
		}
		current = child
	}

	current.subscribers[clientID] = qos
	return nil
}

// Remove deletes a subscription; it is a no-op when the filter is absent.
func (t *Tree) Remove(clientID, topicFilter string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	levels := strings.Split(topicFilter, "/")

	current := t.root
	path := make([]*trieNode, 0, len(levels)+1)
	path = append(path, current)

	for _, level := range levels {
		current = current.children[level]
		if current == nil {
			return // Subscription doesn't exist
		}
		path = append(path, current)
	}

	delete(current.subscribers, clientID)

	// Clean up empty nodes from leaf to root
	for i := len(path) - 1; i > 0; i-- {
		node := path[i]
		if len(node.subscribers) > 0 || len(node.children) > 0 {
			break
		}
		delete(path[i-1].children, levels[i-1])
	}
}

// RemoveAll removes every subscription owned by the client.
func (t *Tree) RemoveAll(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	removeClient(t.root, clientID)
}

func removeClient(node *trieNode, clientID string) {
	delete(node.subscribers, clientID)

	for level, child := range node.children {
		removeClient(child, clientID)
		if len(child.subscribers) == 0 && len(child.children) == 0 {
			delete(node.children, level)
		}
	}
}

// Match returns every client subscribed to a filter matching the topic,
// keyed by client id. When a client matches under several filters, the
// highest granted QoS wins.
func (t *Tree) Match(topic string) map[string]packet.QoSLevel {
	t.mu.RLock()
	defer t.mu.RUnlock()

	matches := make(map[string]packet.QoSLevel)
	matchLevels(t.root, strings.Split(topic, "/"), 0, matches)
	return matches
}

func matchLevels(node *trieNode, topicLevels []string, index int, matches map[string]packet.QoSLevel) {
	if node == nil {
		return
	}

	// All topic levels consumed: collect subscribers at this node and at a
	// trailing "#" child ("a/#" matches "a" per MQTT 3.1.1).
	if index >= len(topicLevels) {
		collect(node, matches)
		if hash, ok := node.children["#"]; ok {
			collect(hash, matches)
		}
		return
	}

	level := topicLevels[index]

	if exact, ok := node.children[level]; ok {
		matchLevels(exact, topicLevels, index+1, matches)
	}

	if plus, ok := node.children["+"]; ok {
		matchLevels(plus, topicLevels, index+1, matches)
	}

	if hash, ok := node.children["#"]; ok {
		// Multi-level wildcard matches everything from this point
		collect(hash, matches)
	}
}

func collect(node *trieNode, matches map[string]packet.QoSLevel) {
	for clientID, qos := range node.subscribers {
		if existing, ok := matches[clientID]; !ok || qos > existing {
			matches[clientID] = qos
		}
	}
}

// SubscriptionsOf enumerates the filters held by one client.
func (t *Tree) SubscriptionsOf(clientID string) map[string]packet.QoSLevel {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]packet.QoSLevel)
	walkClient(t.root, clientID, nil, out)
	return out
}

func walkClient(node *trieNode, clientID string, prefix []string, out map[string]packet.QoSLevel) {
	if qos, ok := node.subscribers[clientID]; ok {
		out[strings.Join(prefix, "/")] = qos
	}

	for level, child := range node.children {
		walkClient(child, clientID, append(prefix, level), out)
	}
}

// Count returns the total number of (client, filter) subscriptions.
func (t *Tree) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return countSubs(t.root)
}

func countSubs(node *trieNode) int {
	n := len(node.subscribers)
	for _, child := range node.children {
		n += countSubs(child)
	}
	return n
}

// IsValidTopicFilter validates a topic filter according to MQTT 3.1.1 rules
func IsValidTopicFilter(topicFilter string) bool {
	return utils.ValidateTopicFilter(topicFilter) == nil
}

// IsValidTopicName validates a topic name for publishing (no wildcards allowed)
func IsValidTopicName(topicName string) bool {
	return utils.ValidateTopicName(topicName) == nil
}

// TopicMatches checks if a topic name matches a topic filter
func TopicMatches(topicFilter, topicName string) bool {
	if !IsValidTopicFilter(topicFilter) || !IsValidTopicName(topicName) {
		return false
	}

	filterLevels := strings.Split(topicFilter, "/")
	nameLevels := strings.Split(topicName, "/")

	return matchesRecursive(filterLevels, nameLevels, 0, 0)
}

func matchesRecursive(filterLevels, nameLevels []string, filterIndex, nameIndex int) bool {
	// All filter levels consumed: match iff all name levels consumed too
	if filterIndex >= len(filterLevels) {
		return nameIndex >= len(nameLevels)
	}

	// Name exhausted: only a trailing "#" still matches ("a/#" matches "a")
	if nameIndex >= len(nameLevels) {
		return filterLevels[filterIndex] == "#" && filterIndex == len(filterLevels)-1
	}

	switch filterLevels[filterIndex] {
	case "+":
		// Single-level wildcard matches exactly one level
		return matchesRecursive(filterLevels, nameLevels, filterIndex+1, nameIndex+1)
	case "#":
		// Multi-level wildcard matches all remaining levels
		return true
	default:
		if filterLevels[filterIndex] == nameLevels[nameIndex] {
			return matchesRecursive(filterLevels, nameLevels, filterIndex+1, nameIndex+1)
		}
		return false
	}
}
