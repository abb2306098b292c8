package core

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/fusionbot/bus"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTER - Binds stage handlers to bus topics
// ═══════════════════════════════════════════════════════════════════════════════

// Route is one (topic, consumer group) binding
type Route struct {
	Topic   string
	Group   string
	Handler bus.Handler
}

type Router struct {
	mu     sync.RWMutex
	routes []Route
	seen   map[string]bool // topic/group
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{
		seen: make(map[string]bool),
	}
}

// Handle registers a handler for a topic under a consumer group
func (r *Router) Handle(topic, group string, h bus.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := topic + "/" + group
	if r.seen[key] {
		log.Warn().Str("topic", topic).Str("group", group).Msg("duplicate route ignored")
		return
	}
	r.seen[key] = true
	r.routes = append(r.routes, Route{Topic: topic, Group: group, Handler: h})
}

// Routes returns the registered bindings in registration order
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, len(r.routes))
	copy(out, r.routes)
	return out
}

// Bind subscribes every route on sub
func (r *Router) Bind(sub bus.Subscriber) error {
	for _, rt := range r.Routes() {
		if err := sub.Subscribe(rt.Topic, rt.Group, rt.Handler); err != nil {
			return fmt.Errorf("subscribe %s/%s: %w", rt.Topic, rt.Group, err)
		}
		log.Debug().Str("topic", rt.Topic).Str("group", rt.Group).Msg("🔗 Route bound")
	}
	return nil
}
