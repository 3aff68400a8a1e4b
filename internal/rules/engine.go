package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kornia-rs/bubbaloop/internal/budget"
	"github.com/kornia-rs/bubbaloop/internal/bus"
	"github.com/kornia-rs/bubbaloop/internal/observability"
	"github.com/kornia-rs/bubbaloop/internal/ringlog"
)

const queryTimeout = 5 * time.Second

// History is the trigger record kept per rule name.
type History struct {
	LastTriggeredMs int64
	TriggerKey      string
	TriggerCount    int
}

// Engine evaluates loaded rules against live bus samples.
type Engine struct {
	session   *bus.Session
	machineID string
	scope     string
	log       *zap.Logger
	metrics   *observability.Metrics
	actions   *budget.Bucket

	mu        sync.Mutex
	rules     []Rule
	subs      []*bus.Subscription
	history   map[string]*History
	overrides map[string]bool
	triggers  *ringlog.Buffer
}

// New constructs an Engine bound to session.
func New(session *bus.Session, machineID, scope string, log *zap.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		session:   session,
		machineID: machineID,
		scope:     scope,
		log:       log,
		metrics:   metrics,
		actions:   budget.New(100, time.Minute),
		history:   make(map[string]*History),
		overrides: make(map[string]bool),
		triggers:  ringlog.New(64),
	}
}

// SetOverride sets or clears a manual override for node. While set, any
// Command action targeting node is logged and skipped, without
// discarding the rule's trigger count.
func (e *Engine) SetOverride(node string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.overrides[node] = true
	} else {
		delete(e.overrides, node)
	}
}

func (e *Engine) overridden(node string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.overrides[node]
}

// History returns a snapshot of every rule's trigger history, keyed by
// rule name.
func (e *Engine) History() map[string]History {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]History, len(e.history))
	for name, h := range e.history {
		out[name] = *h
	}
	return out
}

// Reload cancels existing subscriptions, loads rules from path, and
// declares a subscriber for each enabled rule's trigger key expression.
func (e *Engine) Reload(ctx context.Context, path string) error {
	rules, err := Load(path)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for _, sub := range e.subs {
		sub.Close()
	}
	e.subs = nil
	e.rules = rules
	e.mu.Unlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		sub := e.session.Subscribe(rule.Trigger)
		e.mu.Lock()
		e.subs = append(e.subs, sub)
		e.mu.Unlock()
		go e.worker(ctx, rule, sub)
	}

	e.log.Info("rules reloaded", zap.Int("count", len(rules)), zap.String("path", path))
	return nil
}

func (e *Engine) worker(ctx context.Context, rule Rule, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-sub.Channel():
			if !ok {
				return
			}
			e.handleSample(ctx, rule, sample)
		}
	}
}

func (e *Engine) handleSample(ctx context.Context, rule Rule, sample bus.Sample) {
	var payload map[string]any
	if err := json.Unmarshal(sample.Payload, &payload); err != nil {
		return // malformed payload is silently skipped
	}

	if !Evaluate(rule.Condition, payload) {
		return
	}

	e.recordTrigger(rule.Name, sample.Key)

	if rule.Action.Type == ActionCommand && e.overridden(rule.Action.Node) {
		e.log.Info("rule action skipped by manual override", zap.String("rule", rule.Name), zap.String("node", rule.Action.Node))
		if e.metrics != nil {
			e.metrics.RuleOverridesSkippedTotal.WithLabelValues(rule.Name).Inc()
		}
		return
	}

	if !e.actions.ConsumeForAction(string(rule.Action.Type)) {
		e.log.Warn("rule action budget exhausted, deferring",
			zap.String("rule", rule.Name),
			zap.String("action", string(rule.Action.Type)),
			zap.Int("remaining", e.actions.Remaining()))
		return
	}

	e.execute(ctx, rule)
}

func (e *Engine) recordTrigger(ruleName, key string) {
	e.mu.Lock()
	h, ok := e.history[ruleName]
	if !ok {
		h = &History{}
		e.history[ruleName] = h
	}
	h.LastTriggeredMs = time.Now().UnixMilli()
	h.TriggerKey = key
	h.TriggerCount++
	e.mu.Unlock()

	e.triggers.Append(fmt.Sprintf("%s matched %s", ruleName, key))
	if e.metrics != nil {
		e.metrics.RuleTriggersTotal.WithLabelValues(ruleName).Inc()
	}
}

func (e *Engine) execute(ctx context.Context, rule Rule) {
	switch rule.Action.Type {
	case ActionLog:
		e.execLog(rule)
	case ActionCommand:
		e.execCommand(ctx, rule)
	case ActionPublish:
		e.execPublish(rule)
	default:
		e.log.Warn("rule has unknown action type", zap.String("rule", rule.Name), zap.String("type", string(rule.Action.Type)))
	}
}

func (e *Engine) execLog(rule Rule) {
	switch rule.Action.Level {
	case "debug":
		e.log.Debug(rule.Action.Message, zap.String("rule", rule.Name))
	case "warn":
		e.log.Warn(rule.Action.Message, zap.String("rule", rule.Name))
	case "error":
		e.log.Error(rule.Action.Message, zap.String("rule", rule.Name))
	default:
		e.log.Info(rule.Action.Message, zap.String("rule", rule.Name))
	}
}

func (e *Engine) execCommand(ctx context.Context, rule Rule) {
	if !ValidNodeName(rule.Action.Node) {
		e.log.Warn("rule command action has invalid node name", zap.String("rule", rule.Name), zap.String("node", rule.Action.Node))
		return
	}
	params := rule.Action.Params
	if params == nil {
		params = map[string]any{}
	}
	payload, err := json.Marshal(map[string]any{"command": rule.Action.Command, "params": params})
	if err != nil {
		e.log.Warn("rule command action: marshal failed", zap.String("rule", rule.Name), zap.Error(err))
		return
	}

	key := fmt.Sprintf("bubbaloop/%s/%s/%s/command", e.scope, e.machineID, rule.Action.Node)
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	reply, err := e.session.Query(qctx, key, payload)
	if err != nil {
		e.log.Warn("rule command query failed", zap.String("rule", rule.Name), zap.String("key", key), zap.Error(err))
		return
	}
	e.log.Info("rule command query replied", zap.String("rule", rule.Name), zap.String("key", key), zap.ByteString("reply", reply))
}

func (e *Engine) execPublish(rule Rule) {
	if !ValidTopic(rule.Action.Topic) {
		e.log.Warn("rule publish action has disallowed topic", zap.String("rule", rule.Name), zap.String("topic", rule.Action.Topic))
		return
	}
	data, err := json.Marshal(rule.Action.Payload)
	if err != nil {
		e.log.Warn("rule publish action: marshal failed", zap.String("rule", rule.Name), zap.Error(err))
		return
	}
	e.session.Publish(rule.Action.Topic, data)
}
