package parse

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/texttheater/golang-levenshtein/levenshtein"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Max levenshtein distance at which we'll suggest an attribute name.
const maxSuggestionDistance = 3

// An Attribute describes one parameter of a user-defined rule: its default
// value and whether callers must supply it. The attr.* family constructs
// these; any further keyword arguments they receive are accepted and
// discarded (they only matter to the strict parser that re-reads the file).
type Attribute struct {
	Default   starlark.Value
	Mandatory bool
}

// String implements the starlark.Value interface.
func (a *Attribute) String() string {
	return fmt.Sprintf("attribute(default = %s, mandatory = %v)", a.Default.String(), a.Mandatory)
}

// Type implements the starlark.Value interface.
func (a *Attribute) Type() string { return "attribute" }

// Freeze implements the starlark.Value interface.
func (a *Attribute) Freeze() { a.Default.Freeze() }

// Truth implements the starlark.Value interface.
func (a *Attribute) Truth() starlark.Bool { return starlark.True }

// Hash implements the starlark.Value interface.
func (a *Attribute) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: attribute") }

// attrModule builds the attr module exposed to extension files.
func attrModule() *starlarkstruct.Module {
	members := starlark.StringDict{}
	kinds := map[string]func() starlark.Value{
		"int":         func() starlark.Value { return starlark.MakeInt(0) },
		"string":      func() starlark.Value { return starlark.String("") },
		"bool":        func() starlark.Value { return starlark.False },
		"int_list":    func() starlark.Value { return starlark.NewList(nil) },
		"string_list": func() starlark.Value { return starlark.NewList(nil) },
		"source":      func() starlark.Value { return starlark.None },
		"source_list": func() starlark.Value { return starlark.NewList(nil) },
		"dep":         func() starlark.Value { return starlark.None },
		"dep_list":    func() starlark.Value { return starlark.NewList(nil) },
		"output":      func() starlark.Value { return starlark.None },
		"output_list": func() starlark.Value { return starlark.NewList(nil) },
	}
	for name, defaultValue := range kinds {
		defaultValue := defaultValue
		members[name] = starlark.NewBuiltin("attr."+name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if len(args) > 0 {
				return nil, fmt.Errorf("%s: unexpected positional arguments", b.Name())
			}
			attr := &Attribute{Default: defaultValue()}
			for _, kwarg := range kwargs {
				switch string(kwarg[0].(starlark.String)) {
				case "default":
					attr.Default = kwarg[1]
				case "mandatory":
					attr.Mandatory = bool(kwarg[1].Truth())
				}
				// Anything else (doc, allow_files, providers, ...) is
				// accepted for source compatibility and discarded.
			}
			return attr, nil
		})
	}
	return &starlarkstruct.Module{Name: "attr", Members: members}
}

// A UserDefinedRule is the factory returned by rule() in an extension file.
// It becomes callable from build files once the engine has assigned it a
// name from its top-level binding.
type UserDefinedRule struct {
	label         string
	buckType      string
	name          string
	requiredAttrs []string
	optionalAttrs []string
	attrs         map[string]*Attribute
	attrNames     []string
	frozen        bool
}

// newUserDefinedRule validates the attribute specs and creates the factory.
func newUserDefinedRule(label string, attrs *starlark.Dict, test bool) (*UserDefinedRule, error) {
	u := &UserDefinedRule{
		label:         label,
		requiredAttrs: implicitRequiredAttrs,
		optionalAttrs: implicitOptionalAttrs,
		attrs:         map[string]*Attribute{},
	}
	if test {
		u.requiredAttrs = implicitRequiredTestAttrs
		u.optionalAttrs = implicitOptionalTestAttrs
	}
	if attrs != nil {
		for _, item := range attrs.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("attribute names must be strings, got %s", item[0].Type())
			}
			name := string(key)
			if contains(u.requiredAttrs, name) || contains(u.optionalAttrs, name) {
				return nil, fmt.Errorf("%s shadows a builtin attribute of the same name. Please remove it", name)
			}
			if !validIdentifier.MatchString(name) {
				return nil, fmt.Errorf("%s is not a valid identifier. Please rename it", name)
			}
			attr, ok := item[1].(*Attribute)
			if !ok {
				return nil, fmt.Errorf("%s for attribute %s is not an Attribute object", item[1].String(), name)
			}
			// '_'-prefixed attributes exist in the source text for the strict
			// parser but are not part of the callable's parameter set.
			if !strings.HasPrefix(name, "_") {
				u.attrs[name] = attr
				u.attrNames = append(u.attrNames, name)
			}
		}
	}
	sort.Strings(u.attrNames)
	return u, nil
}

// SetName assigns the rule its name; called when the engine scans the
// extension module's top-level bindings. The scan visits bindings in
// alphabetical order and names only unnamed rules, so a rule bound to
// several names takes the alphabetically first of them.
func (u *UserDefinedRule) SetName(name string) error {
	if !validIdentifier.MatchString(name) {
		return fmt.Errorf("invalid name for user defined rule: %s", name)
	}
	u.buckType = u.label + ":" + name
	u.name = name
	return nil
}

// Named returns true once the rule has been given a name.
func (u *UserDefinedRule) Named() bool { return u.buckType != "" }

// Label returns the label of the extension file that defined this rule.
func (u *UserDefinedRule) Label() string { return u.label }

// String implements the starlark.Value interface.
func (u *UserDefinedRule) String() string {
	if u.buckType != "" {
		return fmt.Sprintf("<rule %s>", u.buckType)
	}
	return fmt.Sprintf("<anonymous rule from %s>", u.label)
}

// Type implements the starlark.Value interface.
func (u *UserDefinedRule) Type() string { return "rule" }

// Freeze implements the starlark.Value interface.
func (u *UserDefinedRule) Freeze() { u.frozen = true }

// Truth implements the starlark.Value interface.
func (u *UserDefinedRule) Truth() starlark.Bool { return starlark.True }

// Hash implements the starlark.Value interface.
// The hash is derived from the lengths of the label and type name; context
// sets key rules by pointer and do not use it.
func (u *UserDefinedRule) Hash() (uint32, error) {
	return uint32(len(u.label) + len(u.buckType)), nil
}

// Name implements the starlark.Callable interface.
func (u *UserDefinedRule) Name() string {
	if u.name != "" {
		return u.name
	}
	return "rule"
}

// CallInternal implements the starlark.Callable interface; calling the
// factory from a build file emits a rule record.
func (u *UserDefinedRule) CallInternal(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if !u.Named() {
		return nil, fmt.Errorf("rule in %s was never assigned to a top-level name", u.label)
	}
	ctx, ok := currentContext(thread).(*BuildFileContext)
	if !ok {
		return nil, fmt.Errorf("%s may not be called from the top level of extension files", u.name)
	}
	if len(args) > 0 {
		return nil, fmt.Errorf("%s: rules only accept keyword arguments", u.name)
	}
	supplied := map[string]starlark.Value{}
	for _, kwarg := range kwargs {
		supplied[string(kwarg[0].(starlark.String))] = kwarg[1]
	}
	if err := u.checkUnexpected(supplied); err != nil {
		return nil, err
	}
	record := map[string]interface{}{"buck.type": u.buckType}
	for _, attr := range u.requiredAttrs {
		value, present := supplied[attr]
		if !present || value == starlark.None {
			return nil, fmt.Errorf("Mandatory parameter '%s' for %s was missing", attr, u.buckType)
		}
		if err := setRecordValue(record, attr, value); err != nil {
			return nil, err
		}
	}
	for _, attr := range u.optionalAttrs {
		if value, present := supplied[attr]; present && value != starlark.None {
			if err := setRecordValue(record, attr, value); err != nil {
				return nil, err
			}
		}
	}
	for _, name := range u.attrNames {
		spec := u.attrs[name]
		value, present := supplied[name]
		if !present || value == starlark.None {
			if spec.Mandatory {
				return nil, fmt.Errorf("Mandatory parameter '%s' for %s was missing", name, u.buckType)
			}
			value = spec.Default
		}
		if err := setRecordValue(record, name, value); err != nil {
			return nil, err
		}
	}
	if err := ctx.AddRule(record); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func (u *UserDefinedRule) checkUnexpected(supplied map[string]starlark.Value) error {
	var unexpected []string
	for name := range supplied {
		if !contains(u.requiredAttrs, name) && !contains(u.optionalAttrs, name) && u.attrs[name] == nil {
			unexpected = append(unexpected, name)
		}
	}
	if len(unexpected) == 0 {
		return nil
	}
	sort.Strings(unexpected)
	msg := fmt.Sprintf("Unexpected extra parameter(s) '%s' provided for %s", strings.Join(unexpected, ", "), u.buckType)
	if suggestion := u.suggest(unexpected[0]); suggestion != "" {
		msg += fmt.Sprintf(". Maybe you meant '%s'?", suggestion)
	}
	return fmt.Errorf("%s", msg)
}

// suggest finds the closest known attribute name to the given one.
func (u *UserDefinedRule) suggest(name string) string {
	best, bestDistance := "", maxSuggestionDistance+1
	r := []rune(name)
	candidates := append(append(append([]string{}, u.attrNames...), u.requiredAttrs...), u.optionalAttrs...)
	for _, candidate := range candidates {
		if distance := levenshtein.DistanceForStrings(r, []rune(candidate), levenshtein.DefaultOptions); distance < bestDistance {
			best, bestDistance = candidate, distance
		}
	}
	return best
}

func setRecordValue(record map[string]interface{}, name string, value starlark.Value) error {
	converted, err := toJSONValue(value)
	if err != nil {
		return fmt.Errorf("attribute %s: %w", name, err)
	}
	record[name] = converted
	return nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
