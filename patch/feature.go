// CLAUDE:SUMMARY Declarative page patches: features, rules, actions and click sequences, plus their validation.
// Package patch turns declarative features into edits on a frame document.
//
// A Feature binds rules to a frame. Each Rule selects elements, filters them,
// applies its actions once per element and may replace the element's click
// with a sequence of steps. Everything site specific (selectors, labels,
// values) lives in configuration.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Feature is a named group of rules bound to one frame.
type Feature struct {
	Name     string `yaml:"name" json:"name"`
	Frame    string `yaml:"frame,omitempty" json:"frame,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`

	ProcessInterval Duration `yaml:"process_interval,omitempty" json:"process_interval,omitempty"`
	DebounceDelay   Duration `yaml:"debounce_delay,omitempty" json:"debounce_delay,omitempty"`
	// Trailing delivers a change suppressed by the process interval once
	// the interval has passed, instead of dropping it.
	Trailing bool `yaml:"trailing,omitempty" json:"trailing,omitempty"`

	Rules []Rule `yaml:"rules" json:"rules"`
}

// Rule selects elements and patches each one once.
type Rule struct {
	Selector string `yaml:"selector" json:"selector"`
	// TextContains keeps only elements whose text contains it.
	TextContains string `yaml:"text_contains,omitempty" json:"text_contains,omitempty"`
	// Attr with an optional Pattern (regexp) keeps only elements carrying
	// the attribute, with a matching value when Pattern is set.
	Attr    string `yaml:"attr,omitempty" json:"attr,omitempty"`
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	// Marker names the rule in the element's data-framepatch attribute.
	// Defaults to "<feature>.<index>".
	Marker string `yaml:"marker,omitempty" json:"marker,omitempty"`

	Actions []Action `yaml:"actions,omitempty" json:"actions,omitempty"`
	OnClick []Step   `yaml:"on_click,omitempty" json:"on_click,omitempty"`
}

// Action is a one-shot edit of a matched element.
type Action struct {
	Op       string `yaml:"op" json:"op"`
	Name     string `yaml:"name,omitempty" json:"name,omitempty"`
	Value    string `yaml:"value,omitempty" json:"value,omitempty"`
	Priority string `yaml:"priority,omitempty" json:"priority,omitempty"`
	// Position is where insert_html puts its markup. Defaults to beforeend.
	Position string `yaml:"position,omitempty" json:"position,omitempty"`
	// Target edits the first descendant matching it instead of the matched
	// element. The action is skipped when there is none.
	Target string `yaml:"target,omitempty" json:"target,omitempty"`

	// From derives the written value from the matched element: "text",
	// "value" or "attr:<name>". With Pattern, Value is an expansion
	// template over its groups ("${1}" when empty) and the action is
	// skipped unless the pattern matches.
	From    string `yaml:"from,omitempty" json:"from,omitempty"`
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	// Choices replaces the derived value by the label of the first choice
	// it contains. The action is skipped when none matches.
	Choices []Choice `yaml:"choices,omitempty" json:"choices,omitempty"`
	// IfEmpty skips the action when the target already has text
	// (set_text), a value (set_value) or a non-empty attribute (set_attr).
	IfEmpty bool `yaml:"if_empty,omitempty" json:"if_empty,omitempty"`
}

// Choice is one entry of an ordered lookup. Label defaults to Contains.
type Choice struct {
	Contains string `yaml:"contains" json:"contains"`
	Label    string `yaml:"label,omitempty" json:"label,omitempty"`
}

func (c Choice) label() string {
	if c.Label == "" {
		return c.Contains
	}
	return c.Label
}

// Step is one stage of a click sequence. Selectors are resolved in the
// document the click happened in, waiting up to Timeout for them to appear.
// ClickedText in Value is replaced by the clicked element's trimmed text.
type Step struct {
	Op       string   `yaml:"op" json:"op"`
	Selector string   `yaml:"selector" json:"selector"`
	Index    int      `yaml:"index,omitempty" json:"index,omitempty"`
	Value    string   `yaml:"value,omitempty" json:"value,omitempty"`
	Event    string   `yaml:"event,omitempty" json:"event,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Action ops.
const (
	OpSetText    = "set_text"
	OpSetHTML    = "set_html"
	OpInsertHTML = "insert_html"
	OpSetValue   = "set_value"
	OpSetAttr    = "set_attr"
	OpRemoveAttr = "remove_attr"
	OpSetStyle   = "set_style"
	OpHide       = "hide"
	OpRemove     = "remove"
)

// Step ops.
const (
	StepClick    = "click"
	StepFill     = "fill"
	StepSelect   = "select"
	StepPrepend  = "prepend"
	StepAppend   = "append"
	StepDispatch = "dispatch"
	StepWait     = "wait"
)

// ClickedText is the placeholder step values use for the clicked element's
// text.
const ClickedText = "{text}"

// Insert positions, as in insertAdjacentHTML.
const (
	BeforeBegin = "beforebegin"
	AfterBegin  = "afterbegin"
	BeforeEnd   = "beforeend"
	AfterEnd    = "afterend"
)

var (
	actionOps = map[string]bool{
		OpSetText: true, OpSetHTML: true, OpInsertHTML: true, OpSetValue: true,
		OpSetAttr: true, OpRemoveAttr: true, OpSetStyle: true, OpHide: true, OpRemove: true,
	}
	// derivedOps may take their value From the element and be IfEmpty.
	derivedOps = map[string]bool{OpSetText: true, OpSetValue: true, OpSetAttr: true}
	positions  = map[string]bool{BeforeBegin: true, AfterBegin: true, BeforeEnd: true, AfterEnd: true}
	stepOps    = map[string]bool{
		StepClick: true, StepFill: true, StepSelect: true, StepPrepend: true,
		StepAppend: true, StepDispatch: true, StepWait: true,
	}
)

// Validate reports every problem in f at once.
func (f Feature) Validate() error {
	var errs []error
	if f.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.ContainsAny(f.Name, " \t\n@/") {
		errs = append(errs, errors.New("name may not contain spaces, '@' or '/'"))
	}
	if len(f.Rules) == 0 {
		errs = append(errs, errors.New("at least one rule is required"))
	}
	markers := make(map[string]bool)
	for i, r := range f.Rules {
		if err := r.validate(); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
		}
		if r.Marker != "" {
			if markers[r.Marker] {
				errs = append(errs, fmt.Errorf("rule %d: duplicate marker %q", i, r.Marker))
			}
			markers[r.Marker] = true
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("patch: feature %q: %w", f.Name, err)
	}
	return nil
}

func (r Rule) validate() error {
	var errs []error
	if r.Selector == "" {
		errs = append(errs, errors.New("selector is required"))
	}
	if strings.ContainsAny(r.Marker, " \t\n@") {
		errs = append(errs, fmt.Errorf("marker %q may not contain spaces or '@'", r.Marker))
	}
	if len(r.Actions) == 0 && len(r.OnClick) == 0 {
		errs = append(errs, errors.New("needs actions or on_click"))
	}
	if r.Pattern != "" {
		if r.Attr == "" {
			errs = append(errs, errors.New("pattern requires attr"))
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("pattern: %w", err))
		}
	}
	for i, a := range r.Actions {
		if err := a.validate(); err != nil {
			errs = append(errs, fmt.Errorf("action %d: %w", i, err))
		}
	}
	for i, s := range r.OnClick {
		switch {
		case !stepOps[s.Op]:
			errs = append(errs, fmt.Errorf("step %d: unknown op %q", i, s.Op))
		case s.Selector == "":
			errs = append(errs, fmt.Errorf("step %d: selector is required", i))
		case s.Index < 0:
			errs = append(errs, fmt.Errorf("step %d: negative index", i))
		case s.Op == StepDispatch && s.Event == "":
			errs = append(errs, fmt.Errorf("step %d: dispatch needs event", i))
		}
	}
	return errors.Join(errs...)
}

func (a Action) validate() error {
	if !actionOps[a.Op] {
		return fmt.Errorf("unknown op %q", a.Op)
	}
	var errs []error
	if (a.Op == OpSetAttr || a.Op == OpRemoveAttr || a.Op == OpSetStyle) && a.Name == "" {
		errs = append(errs, fmt.Errorf("%s needs name", a.Op))
	}
	if a.Position != "" && (a.Op != OpInsertHTML || !positions[a.Position]) {
		errs = append(errs, fmt.Errorf("%s: invalid position %q", a.Op, a.Position))
	}
	if a.Op == OpInsertHTML && a.Value == "" {
		errs = append(errs, errors.New("insert_html needs value"))
	}
	if (a.From != "" || a.IfEmpty) && !derivedOps[a.Op] {
		errs = append(errs, fmt.Errorf("%s does not take from or if_empty", a.Op))
	}
	if a.From != "" {
		if _, err := parseSource(a.From); err != nil {
			errs = append(errs, err)
		}
	} else if a.Pattern != "" || len(a.Choices) > 0 {
		errs = append(errs, errors.New("pattern and choices require from"))
	}
	if a.Pattern != "" {
		re, err := regexp.Compile(a.Pattern)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("pattern: %w", err))
		case a.Value == "" && re.NumSubexp() == 0:
			errs = append(errs, errors.New("pattern needs a group or a value template"))
		}
	} else if a.From != "" && a.Value != "" {
		errs = append(errs, errors.New("value with from needs pattern"))
	}
	for j, c := range a.Choices {
		if c.Contains == "" {
			errs = append(errs, fmt.Errorf("choice %d: contains is required", j))
		}
	}
	return errors.Join(errs...)
}

// source is where a derived value is read from.
type source struct {
	kind string // "text", "value" or "attr"
	attr string
}

func parseSource(from string) (source, error) {
	switch {
	case from == "text" || from == "value":
		return source{kind: from}, nil
	case strings.HasPrefix(from, "attr:") && len(from) > len("attr:"):
		return source{kind: "attr", attr: strings.TrimPrefix(from, "attr:")}, nil
	}
	return source{}, fmt.Errorf("from %q: want text, value or attr:<name>", from)
}

// Duration is a time.Duration written as "500ms" in YAML and JSON. JSON
// numbers are read as milliseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var ms float64
	if err := json.Unmarshal(b, &ms); err == nil {
		*d = Duration(ms * float64(time.Millisecond))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("patch: duration: %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.parse(n.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("patch: duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}
