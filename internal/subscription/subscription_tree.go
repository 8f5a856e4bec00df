package subscription

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrInvalidFilter = errors.New("invalid topic filter")

type Subscription struct {
	ClientID  string
	TopicName string
	QoS       byte
}

// TopicTreeNode is one level of the subscription tree.
type TopicTreeNode struct {
	Level string

	// exact-match children keyed by level name
	Children map[string]*TopicTreeNode

	// "+" child, single level
	WildcardPlus *TopicTreeNode
	// "#" subscriptions rooted at this node, any remaining levels
	WildcardHash map[string]Subscription

	// subscriptions whose filter ends exactly at this node
	Terminals map[string]Subscription
}

func newNode(level string) *TopicTreeNode {
	return &TopicTreeNode{
		Level:        level,
		Children:     map[string]*TopicTreeNode{},
		WildcardHash: map[string]Subscription{},
		Terminals:    map[string]Subscription{},
	}
}

func (n *TopicTreeNode) empty() bool {
	return len(n.Children) == 0 && n.WildcardPlus == nil && len(n.WildcardHash) == 0 && len(n.Terminals) == 0
}

// Tree is a concurrency-safe in-memory topic filter index.
type Tree struct {
	mu   sync.RWMutex
	root *TopicTreeNode
	// client id -> filters, used to drop everything a client owns on disconnect
	byClient map[string]map[string]struct{}
}

func NewTree() *Tree {
	return &Tree{root: newNode(""), byClient: map[string]map[string]struct{}{}}
}

// ValidateFilter checks wildcard placement in a subscription filter.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty filter", ErrInvalidFilter)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return fmt.Errorf("%w: '#' must be the last level, topic: %s", ErrInvalidFilter, filter)
		}
		if strings.Contains(level, "+") && level != "+" {
			return fmt.Errorf("%w: '+' must occupy a whole level, topic: %s", ErrInvalidFilter, filter)
		}
	}
	return nil
}

func (t *Tree) InsertSubscription(subscription Subscription) error {
	if err := ValidateFilter(subscription.TopicName); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	levels := strings.Split(subscription.TopicName, "/")
	for i, level := range levels {
		if level == "#" && i == len(levels)-1 {
			node.WildcardHash[subscription.ClientID] = subscription
			t.track(subscription)
			return nil
		}
		node = child(node, level)
	}
	node.Terminals[subscription.ClientID] = subscription
	t.track(subscription)
	return nil
}

func child(node *TopicTreeNode, level string) *TopicTreeNode {
	if level == "+" {
		if node.WildcardPlus == nil {
			node.WildcardPlus = newNode(level)
		}
		return node.WildcardPlus
	}
	next, ok := node.Children[level]
	if !ok {
		next = newNode(level)
		node.Children[level] = next
	}
	return next
}

func (t *Tree) track(subscription Subscription) {
	filters, ok := t.byClient[subscription.ClientID]
	if !ok {
		filters = map[string]struct{}{}
		t.byClient[subscription.ClientID] = filters
	}
	filters[subscription.TopicName] = struct{}{}
}

// DeleteSubscription removes the subscription of clientID to filter.
func (t *Tree) DeleteSubscription(clientID, filter string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deleteLocked(clientID, filter)
}

func (t *Tree) deleteLocked(clientID, filter string) bool {
	levels := strings.Split(filter, "/")
	path := make([]*TopicTreeNode, 0, len(levels)+1)
	node := t.root
	path = append(path, node)

	removed := false
	for i, level := range levels {
		if level == "#" && i == len(levels)-1 {
			if _, ok := node.WildcardHash[clientID]; ok {
				delete(node.WildcardHash, clientID)
				removed = true
			}
			break
		}
		var next *TopicTreeNode
		if level == "+" {
			next = node.WildcardPlus
		} else {
			next = node.Children[level]
		}
		if next == nil {
			return false
		}
		node = next
		path = append(path, node)
		if i == len(levels)-1 {
			if _, ok := node.Terminals[clientID]; ok {
				delete(node.Terminals, clientID)
				removed = true
			}
		}
	}
	if !removed {
		return false
	}

	if filters, ok := t.byClient[clientID]; ok {
		delete(filters, filter)
		if len(filters) == 0 {
			delete(t.byClient, clientID)
		}
	}

	// prune empty branches bottom-up
	for i := len(path) - 1; i > 0; i-- {
		current, parent := path[i], path[i-1]
		if !current.empty() {
			break
		}
		if parent.WildcardPlus == current {
			parent.WildcardPlus = nil
		} else {
			delete(parent.Children, current.Level)
		}
	}
	return true
}

// DeleteClient removes every subscription owned by clientID.
func (t *Tree) DeleteClient(clientID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	filters := t.byClient[clientID]
	count := 0
	for filter := range filters {
		if t.deleteLocked(clientID, filter) {
			count++
		}
	}
	delete(t.byClient, clientID)
	return count
}

// MatchTopic returns one subscription per client whose filter matches
// publishTopic. When a client holds several matching filters the highest
// QoS wins.
func (t *Tree) MatchTopic(publishTopic string) []Subscription {
	levels := strings.Split(publishTopic, "/")
	t.mu.RLock()
	defer t.mu.RUnlock()

	var results []Subscription
	// topics beginning with '$' are not matched by wildcards at the first level
	system := strings.HasPrefix(publishTopic, "$")

	queue := []*TopicTreeNode{t.root}
	for i, level := range levels {
		var nextQueue []*TopicTreeNode
		for _, node := range queue {
			if !(system && i == 0) {
				for _, sub := range node.WildcardHash {
					results = append(results, sub)
				}
			}
			if next, ok := node.Children[level]; ok {
				nextQueue = append(nextQueue, next)
			}
			if node.WildcardPlus != nil && !(system && i == 0) {
				nextQueue = append(nextQueue, node.WildcardPlus)
			}
		}
		queue = nextQueue
		if len(queue) == 0 {
			break
		}
	}

	for _, node := range queue {
		for _, sub := range node.Terminals {
			results = append(results, sub)
		}
		// "a/#" also matches "a"
		for _, sub := range node.WildcardHash {
			results = append(results, sub)
		}
	}

	best := make(map[string]int, len(results))
	final := make([]Subscription, 0, len(results))
	for _, sub := range results {
		if idx, ok := best[sub.ClientID]; ok {
			if sub.QoS > final[idx].QoS {
				final[idx] = sub
			}
			continue
		}
		best[sub.ClientID] = len(final)
		final = append(final, sub)
	}
	return final
}
