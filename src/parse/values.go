package parse

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// toJSONValue converts a starlark value into a JSON-compatible Go value for
// inclusion in a rule record.
func toJSONValue(v starlark.Value) (interface{}, error) {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.String:
		return string(v), nil
	case starlark.Int:
		i, ok := v.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s is too large to represent", v.String())
		}
		return i, nil
	case starlark.Float:
		return float64(v), nil
	case *starlark.List:
		return sequenceToJSON(v.Len(), v.Index)
	case starlark.Tuple:
		return sequenceToJSON(v.Len(), v.Index)
	case *Depset:
		return sequenceToJSON(len(v.items), func(i int) starlark.Value { return v.items[i] })
	case *starlark.Dict:
		result := map[string]interface{}{}
		for _, item := range v.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("cannot convert non-string dict key %s", item[0].String())
			}
			value, err := toJSONValue(item[1])
			if err != nil {
				return nil, err
			}
			result[string(key)] = value
		}
		return result, nil
	case *starlarkstruct.Struct:
		d := starlark.StringDict{}
		v.ToStringDict(d)
		result := map[string]interface{}{}
		for name, value := range d {
			converted, err := toJSONValue(value)
			if err != nil {
				return nil, err
			}
			result[name] = converted
		}
		return result, nil
	case *SelectorList:
		return v.toJSON()
	case *SelectorValue:
		return v.toJSON()
	default:
		return nil, fmt.Errorf("cannot convert value of type %s to a rule attribute", v.Type())
	}
}

func sequenceToJSON(n int, index func(int) starlark.Value) (interface{}, error) {
	result := make([]interface{}, n)
	for i := 0; i < n; i++ {
		converted, err := toJSONValue(index(i))
		if err != nil {
			return nil, err
		}
		result[i] = converted
	}
	return result, nil
}

// A Depset is a container with deterministic (insertion-ordered) iteration,
// deduplicating its elements on construction.
type Depset struct {
	items  []starlark.Value
	frozen bool
}

// NewDepset creates a Depset from the given iterable.
func NewDepset(elements starlark.Iterable) (*Depset, error) {
	d := &Depset{}
	seen := map[string]struct{}{}
	iter := elements.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		key := x.String()
		if _, present := seen[key]; present {
			continue
		}
		seen[key] = struct{}{}
		d.items = append(d.items, x)
	}
	return d, nil
}

// String implements the starlark.Value interface.
func (d *Depset) String() string {
	parts := make([]string, len(d.items))
	for i, item := range d.items {
		parts[i] = item.String()
	}
	return "depset([" + strings.Join(parts, ", ") + "])"
}

// Type implements the starlark.Value interface.
func (d *Depset) Type() string { return "depset" }

// Freeze implements the starlark.Value interface.
func (d *Depset) Freeze() {
	if !d.frozen {
		d.frozen = true
		for _, item := range d.items {
			item.Freeze()
		}
	}
}

// Truth implements the starlark.Value interface.
func (d *Depset) Truth() starlark.Bool { return len(d.items) > 0 }

// Hash implements the starlark.Value interface.
func (d *Depset) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: depset") }

// Iterate implements the starlark.Iterable interface.
func (d *Depset) Iterate() starlark.Iterator { return &depsetIterator{items: d.items} }

// Len implements the starlark.Sequence interface.
func (d *Depset) Len() int { return len(d.items) }

type depsetIterator struct {
	items []starlark.Value
	i     int
}

func (it *depsetIterator) Next(p *starlark.Value) bool {
	if it.i >= len(it.items) {
		return false
	}
	*p = it.items[it.i]
	it.i++
	return true
}

func (it *depsetIterator) Done() {}

// A SelectorValue is one select() invocation: a map of conditions plus an
// optional no-match message. It is opaque to the worker; the parent build
// process interprets it.
type SelectorValue struct {
	conditions     *starlark.Dict
	noMatchMessage string
}

// String implements the starlark.Value interface.
func (s *SelectorValue) String() string { return "select(" + s.conditions.String() + ")" }

// Type implements the starlark.Value interface.
func (s *SelectorValue) Type() string { return "selector_value" }

// Freeze implements the starlark.Value interface.
func (s *SelectorValue) Freeze() { s.conditions.Freeze() }

// Truth implements the starlark.Value interface.
func (s *SelectorValue) Truth() starlark.Bool { return starlark.True }

// Hash implements the starlark.Value interface.
func (s *SelectorValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: selector_value") }

func (s *SelectorValue) toJSON() (interface{}, error) {
	conditions, err := toJSONValue(s.conditions)
	if err != nil {
		return nil, err
	}
	result := map[string]interface{}{
		"@type":      "SelectorValue",
		"conditions": conditions,
	}
	if s.noMatchMessage != "" {
		result["no_match_message"] = s.noMatchMessage
	}
	return result, nil
}

// A SelectorList is the value select() returns: a concatenation of plain
// values and SelectorValues, combined with +.
type SelectorList struct {
	items []starlark.Value
}

// String implements the starlark.Value interface.
func (s *SelectorList) String() string {
	parts := make([]string, len(s.items))
	for i, item := range s.items {
		parts[i] = item.String()
	}
	return "selector_list([" + strings.Join(parts, ", ") + "])"
}

// Type implements the starlark.Value interface.
func (s *SelectorList) Type() string { return "selector_list" }

// Freeze implements the starlark.Value interface.
func (s *SelectorList) Freeze() {
	for _, item := range s.items {
		item.Freeze()
	}
}

// Truth implements the starlark.Value interface.
func (s *SelectorList) Truth() starlark.Bool { return starlark.True }

// Hash implements the starlark.Value interface.
func (s *SelectorList) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: selector_list") }

// Binary implements concatenation with lists and other selects.
func (s *SelectorList) Binary(op syntax.Token, y starlark.Value, side starlark.Side) (starlark.Value, error) {
	if op != syntax.PLUS {
		return nil, nil
	}
	other, err := selectorItems(y)
	if err != nil {
		return nil, err
	}
	if side == starlark.Left {
		return &SelectorList{items: append(append([]starlark.Value{}, s.items...), other...)}, nil
	}
	return &SelectorList{items: append(other, s.items...)}, nil
}

func selectorItems(v starlark.Value) ([]starlark.Value, error) {
	switch v := v.(type) {
	case *SelectorList:
		return v.items, nil
	case *SelectorValue:
		return []starlark.Value{v}, nil
	case *starlark.List, starlark.Tuple, starlark.String, *starlark.Dict:
		return []starlark.Value{v}, nil
	}
	return nil, fmt.Errorf("cannot concatenate select with value of type %s", v.Type())
}

func (s *SelectorList) toJSON() (interface{}, error) {
	items, err := sequenceToJSON(len(s.items), func(i int) starlark.Value { return s.items[i] })
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"@type": "SelectorList",
		"items": items,
	}, nil
}
