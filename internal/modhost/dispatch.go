package modhost

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Dispatcher resolves which subscriptions fire for a given action/event at
// a given stage.
type Dispatcher struct {
	registry *Registry
}

// NewDispatcher constructs a Dispatcher over registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Match is one subscription that matched a dispatch call, identifying the
// module/version/entrypoint to invoke.
type Match struct {
	ModuleID   string
	Version    string
	Entrypoint string
}

// DispatchAction returns every active module subscription matching
// actionKind at stage (PreAction or PostAction), whose filter predicate (if
// any) is satisfied against value.
func (d *Dispatcher) DispatchAction(stage Stage, actionKind string, value map[string]interface{}) ([]Match, error) {
	return d.dispatch(stage, actionKind, value)
}

// DispatchEvent returns every active module subscription matching
// eventKind at PostEvent stage.
func (d *Dispatcher) DispatchEvent(eventKind string, value map[string]interface{}) ([]Match, error) {
	return d.dispatch(StagePostEvent, eventKind, value)
}

// DispatchTick returns every active module subscription registered for the
// Tick stage.
func (d *Dispatcher) DispatchTick() []Match {
	var out []Match
	for moduleID, version := range d.registry.active {
		rec := d.registry.records[moduleID+"@"+version]
		for _, sub := range rec.Manifest.Subscriptions {
			if sub.Stage == StageTick {
				out = append(out, Match{ModuleID: moduleID, Version: version, Entrypoint: sub.Entrypoint})
			}
		}
	}
	return out
}

func (d *Dispatcher) dispatch(stage Stage, kind string, value map[string]interface{}) ([]Match, error) {
	var out []Match
	for moduleID, version := range d.registry.active {
		rec := d.registry.records[moduleID+"@"+version]
		for _, sub := range rec.Manifest.Subscriptions {
			if sub.Stage != stage {
				continue
			}
			matched := false
			for _, p := range sub.Patterns {
				if MatchesPattern(p, kind) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
			if sub.Filter != nil {
				ok, err := evalFilter(*sub.Filter, value)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
			}
			out = append(out, Match{ModuleID: moduleID, Version: version, Entrypoint: sub.Entrypoint})
		}
	}
	return out, nil
}

func evalFilter(f Filter, value map[string]interface{}) (bool, error) {
	if len(f.All) > 0 {
		for _, sub := range f.All {
			ok, err := evalFilter(sub, value)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	if len(f.Any) > 0 {
		for _, sub := range f.Any {
			ok, err := evalFilter(sub, value)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	for _, r := range f.Rules {
		ok, err := evalRule(r, value)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func evalRule(r FilterRule, value map[string]interface{}) (bool, error) {
	actual, ok := resolvePointer(r.Path, value)
	if !ok {
		return r.Op == OpNe, nil
	}
	switch r.Op {
	case OpEq:
		return fmt.Sprint(actual) == fmt.Sprint(r.Value), nil
	case OpNe:
		return fmt.Sprint(actual) != fmt.Sprint(r.Value), nil
	case OpRe:
		pattern, ok := r.Value.(string)
		if !ok {
			return false, fmt.Errorf("modhost: re operator requires a string pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("modhost: invalid regex %q: %w", pattern, err)
		}
		return re.MatchString(fmt.Sprint(actual)), nil
	case OpGt, OpGte, OpLt, OpLte:
		av, aok := toFloat(actual)
		bv, bok := toFloat(r.Value)
		if !aok || !bok {
			return false, fmt.Errorf("modhost: numeric operator requires numeric operands")
		}
		switch r.Op {
		case OpGt:
			return av > bv, nil
		case OpGte:
			return av >= bv, nil
		case OpLt:
			return av < bv, nil
		case OpLte:
			return av <= bv, nil
		}
	}
	return false, fmt.Errorf("modhost: unsupported operator %q", r.Op)
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// resolvePointer resolves a "/a/b/c" JSON-pointer-style path against a
// nested map/slice value.
func resolvePointer(path string, value map[string]interface{}) (interface{}, bool) {
	if path == "" || path[0] != '/' {
		return nil, false
	}
	segments := strings.Split(path[1:], "/")
	var cur interface{} = value
	for _, seg := range segments {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
