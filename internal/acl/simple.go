package acl

import (
	"context"

	"github.com/dynabot/dynamq/internal/config"
	"github.com/dynabot/dynamq/internal/subscription"
)

// Rule matches a client and an operation against a topic pattern. Empty
// ClientID or Username fields match any client; Action "any" (or empty)
// matches both publish and subscribe.
type Rule struct {
	ClientID string `json:"clientId,omitempty"`
	Username string `json:"username,omitempty"`
	Topic    string `json:"topic"`
	Action   string `json:"action,omitempty"`
	Allow    bool   `json:"allow"`
}

// SimpleProvider evaluates an ordered rule list from configuration. The
// first matching rule decides; with no match the configured default
// applies.
type SimpleProvider struct {
	rules        []Rule
	defaultAllow bool
}

func NewSimpleProvider(cfg config.ACLConfig) *SimpleProvider {
	rules := make([]Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules = append(rules, Rule{
			ClientID: r.ClientID,
			Username: r.Username,
			Topic:    r.Topic,
			Action:   r.Action,
			Allow:    r.Allow,
		})
	}
	return &SimpleProvider{
		rules:        rules,
		defaultAllow: cfg.DefaultAllow,
	}
}

func (p *SimpleProvider) CheckPermission(_ context.Context, clientID, username string, action Action, topic string) bool {
	for _, rule := range p.rules {
		if rule.matches(clientID, username, action, topic) {
			return rule.Allow
		}
	}
	return p.defaultAllow
}

func (r *Rule) matches(clientID, username string, action Action, topic string) bool {
	if r.ClientID != "" && r.ClientID != clientID {
		return false
	}
	if r.Username != "" && r.Username != username {
		return false
	}
	if r.Action != "" && r.Action != "any" && r.Action != string(action) {
		return false
	}
	if action == ActionConnect {
		return r.Topic == "" || r.Topic == "#"
	}
	if subscription.IsValidTopicName(topic) {
		return subscription.TopicMatches(r.Topic, topic)
	}
	// Subscribe checks receive a filter, possibly with wildcards; only an
	// exact rule or a catch-all covers it.
	return r.Topic == topic || r.Topic == "#"
}
