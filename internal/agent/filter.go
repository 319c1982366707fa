package agent

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/loanpilot/orchestrator/pkg/models"
)

// filterEnv is the variable set a subscription filter can reference, e.g.
// `entity_type == "mum_client" && payload.intent == "retention"`.
func filterEnv(ev *models.Event) map[string]interface{} {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return map[string]interface{}{
		"event_type":  string(ev.Type),
		"entity_type": ev.EntityType,
		"entity_id":   ev.EntityID,
		"actor_id":    ev.ActorID,
		"payload":     payload,
	}
}

// CompileFilter checks that src is a boolean expression over the event.
func CompileFilter(src string) (*vm.Program, error) {
	prog, err := expr.Compile(src, expr.Env(filterEnv(&models.Event{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", src, err)
	}
	return prog, nil
}

// filterCache memoizes compiled programs by source text.
type filterCache struct {
	mu    sync.RWMutex
	progs map[string]*vm.Program
}

func newFilterCache() *filterCache {
	return &filterCache{progs: make(map[string]*vm.Program)}
}

// match reports whether the event passes src. An empty filter matches.
func (c *filterCache) match(src string, ev *models.Event) (bool, error) {
	if src == "" {
		return true, nil
	}
	c.mu.RLock()
	prog, ok := c.progs[src]
	c.mu.RUnlock()
	if !ok {
		var err error
		if prog, err = CompileFilter(src); err != nil {
			return false, err
		}
		c.mu.Lock()
		c.progs[src] = prog
		c.mu.Unlock()
	}
	out, err := expr.Run(prog, filterEnv(ev))
	if err != nil {
		return false, err
	}
	b, _ := out.(bool)
	return b, nil
}
