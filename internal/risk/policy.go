package risk

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"tradecore/internal/errors"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// Built-in sizing policy names.
const (
	PolicyFixed            = "fixed@v1"
	PolicyConfidenceScaled = "confidence_scaled@v1"
)

// Policy turns a signal into a raw order size before limits apply.
type Policy interface {
	Name() string
	Size(sig schema.Signal, cfg Config) decimal.Decimal
}

type fixedPolicy struct{}

func (fixedPolicy) Name() string { return PolicyFixed }

func (fixedPolicy) Size(_ schema.Signal, cfg Config) decimal.Decimal {
	return cfg.BaseOrderSize.Mul(cfg.RiskProfile.Multiplier())
}

type confidenceScaledPolicy struct{}

func (confidenceScaledPolicy) Name() string { return PolicyConfidenceScaled }

func (confidenceScaledPolicy) Size(sig schema.Signal, cfg Config) decimal.Decimal {
	return cfg.BaseOrderSize.
		Mul(decimal.NewFromFloat(sig.Confidence)).
		Mul(cfg.RiskProfile.Multiplier())
}

// Registry holds named, versioned policies. It is frozen when a session
// starts so the policy set cannot change mid-run.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
	frozen   bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]Policy)}
}

// DefaultRegistry returns a registry with the built-in policies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(fixedPolicy{})
	_ = r.Register(confidenceScaledPolicy{})
	return r
}

// Register adds a policy under its name.
func (r *Registry) Register(p Policy) error {
	if p == nil {
		return exception.ErrNilInstance
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return errors.Wrapf(exception.ErrRegistryFrozen, "register %s", p.Name())
	}
	if _, ok := r.policies[p.Name()]; ok {
		return errors.Wrapf(exception.ErrPolicyExists, "register %s", p.Name())
	}
	r.policies[p.Name()] = p
	return nil
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the policy registered under name.
func (r *Registry) Lookup(name string) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[name]
	if !ok {
		return nil, errors.Wrapf(exception.ErrUnknownPolicy, "lookup %q", name)
	}
	return p, nil
}

// Names lists registered policies in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.policies))
	for name := range r.policies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
