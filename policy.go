package synccache

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Forever as MaxAge keeps an entry fresh until it is invalidated.
const Forever time.Duration = -1

// Policy controls when a key is considered stale and how it is refetched.
type Policy struct {
	// MaxAge is how long fetched data counts as fresh. 0 means stale right
	// after the fetch (every access revalidates); Forever never expires by age.
	MaxAge time.Duration
	// RefetchOnFocus refetches stale, subscribed keys when the app regains focus.
	RefetchOnFocus bool
	// RefetchOnReconnect does the same after connectivity returns.
	RefetchOnReconnect bool
	// Retries is how many extra attempts a fetch gets on network errors.
	Retries int
	// RetryBackoff is the first retry delay; it grows exponentially.
	RetryBackoff time.Duration
	// Timeout bounds a single fetch including retries; 0 disables it.
	Timeout time.Duration
}

// DefaultPolicy is used when neither Options nor a PolicySet provide one.
func DefaultPolicy() Policy {
	return Policy{
		MaxAge:             30 * time.Second,
		RefetchOnFocus:     true,
		RefetchOnReconnect: true,
		Retries:            3,
		RetryBackoff:       200 * time.Millisecond,
	}
}

func (p Policy) expired(fetchedAt, now time.Time) bool {
	if p.MaxAge == Forever {
		return false
	}
	return now.Sub(fetchedAt) >= p.MaxAge
}

// PolicySet holds per-entity-type policies.
type PolicySet map[string]Policy

// For returns the policy of an entity type, or def.
func (ps PolicySet) For(entity string, def Policy) Policy {
	if p, ok := ps[entity]; ok {
		return p
	}
	return def
}

type rawPolicy struct {
	MaxAge             *string `yaml:"max_age"`
	RefetchOnFocus     *bool   `yaml:"refetch_on_focus"`
	RefetchOnReconnect *bool   `yaml:"refetch_on_reconnect"`
	Retries            *int    `yaml:"retries"`
	RetryBackoff       *string `yaml:"retry_backoff"`
	Timeout            *string `yaml:"timeout"`
}

type rawPolicies struct {
	Default  rawPolicy            `yaml:"default"`
	Entities map[string]rawPolicy `yaml:"entities"`
}

// LoadPolicies reads a YAML policy document:
//
//	default:
//	  max_age: 30s
//	  retries: 3
//	entities:
//	  tasks:
//	    max_age: 5s
//	  profiles:
//	    max_age: forever
//	    refetch_on_focus: false
//
// Fields missing on an entity inherit from default, which inherits from DefaultPolicy.
func LoadPolicies(r io.Reader) (def Policy, set PolicySet, err error) {
	var raw rawPolicies
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil && err != io.EOF {
		return Policy{}, nil, fmt.Errorf("decode policies: %w", err)
	}
	def, err = raw.Default.merge(DefaultPolicy())
	if err != nil {
		return Policy{}, nil, fmt.Errorf("default policy: %w", err)
	}
	set = make(PolicySet, len(raw.Entities))
	for name, rp := range raw.Entities {
		p, err := rp.merge(def)
		if err != nil {
			return Policy{}, nil, fmt.Errorf("policy %q: %w", name, err)
		}
		set[name] = p
	}
	return def, set, nil
}

func (rp rawPolicy) merge(base Policy) (Policy, error) {
	p := base
	var err error
	if rp.MaxAge != nil {
		if *rp.MaxAge == "forever" {
			p.MaxAge = Forever
		} else if p.MaxAge, err = parseDuration("max_age", *rp.MaxAge); err != nil {
			return Policy{}, err
		}
	}
	if rp.RefetchOnFocus != nil {
		p.RefetchOnFocus = *rp.RefetchOnFocus
	}
	if rp.RefetchOnReconnect != nil {
		p.RefetchOnReconnect = *rp.RefetchOnReconnect
	}
	if rp.Retries != nil {
		if *rp.Retries < 0 {
			return Policy{}, fmt.Errorf("retries: must be >= 0, got %d", *rp.Retries)
		}
		p.Retries = *rp.Retries
	}
	if rp.RetryBackoff != nil {
		if p.RetryBackoff, err = parseDuration("retry_backoff", *rp.RetryBackoff); err != nil {
			return Policy{}, err
		}
	}
	if rp.Timeout != nil {
		if p.Timeout, err = parseDuration("timeout", *rp.Timeout); err != nil {
			return Policy{}, err
		}
	}
	return p, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}
