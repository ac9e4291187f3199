// Package rules lets operators extend failure classification with a small
// Starlark script.
//
// A rules file defines classify(message) and returns one of the names in
// classes (e.g. classes.transient_auth) or None to defer to the built-in
// classifier:
//
//	def classify(message):
//	    if "KeyBasedAuthenticationNotPermitted" in message:
//	        return classes.permission_denied
//	    return None
//
//	examples = {
//	    "Key based authentication is not permitted on this storage account. (KeyBasedAuthenticationNotPermitted)": "permission_denied",
//	}
//
// The optional examples dict is checked by SelfTest.
package rules

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/hubctl/pkg/engine"
)

const (
	// DefaultTimeout bounds a single classify call.
	DefaultTimeout = 100 * time.Millisecond

	// maxSteps bounds the work of a single classify call.
	maxSteps = 1_000_000
)

// Classifier runs the script's classify function and falls back to another
// classifier when the script returns None, an unknown name or fails.
type Classifier struct {
	name     string
	fn       starlark.Callable
	examples map[string]string
	fallback engine.Classifier
	timeout  time.Duration
	logger   zerolog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithTimeout bounds each classify call.
func WithTimeout(d time.Duration) Option {
	return func(c *Classifier) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger used to report script failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Classifier) {
		c.logger = logger.With().Str("component", "rules").Logger()
	}
}

// Load compiles the rules file at path.
func Load(path string, fallback engine.Classifier, opts ...Option) (*Classifier, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return Compile(path, string(src), fallback, opts...)
}

// Compile executes the script once and keeps its classify function. The
// script's globals are frozen afterwards, so Classify is safe for
// concurrent use.
func Compile(name, script string, fallback engine.Classifier, opts ...Option) (*Classifier, error) {
	if fallback == nil {
		fallback = engine.DefaultClassifier()
	}

	c := &Classifier{
		name:     name,
		fallback: fallback,
		timeout:  DefaultTimeout,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	thread := newThread(name)
	globals, err := starlark.ExecFile(thread, name, script, predeclared())
	if err != nil {
		return nil, fmt.Errorf("failed to load rules %s: %w", name, err)
	}

	fn, ok := globals["classify"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("rules %s must define classify(message)", name)
	}
	c.fn = fn

	if v, ok := globals["examples"]; ok {
		if c.examples, err = decodeExamples(v); err != nil {
			return nil, fmt.Errorf("invalid examples in %s: %w", name, err)
		}
	}

	return c, nil
}

// decodeExamples reads a dict of message to class name.
func decodeExamples(v starlark.Value) (map[string]string, error) {
	dict, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("examples must be a dict, got %s", v.Type())
	}
	out := make(map[string]string, dict.Len())
	for _, item := range dict.Items() {
		msg, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("example key %s is not a string", item[0])
		}
		want, ok := starlark.AsString(item[1])
		if !ok {
			return nil, fmt.Errorf("example %q must map to a class name", msg)
		}
		out[msg] = want
	}
	return out, nil
}

// Name returns the script name.
func (c *Classifier) Name() string {
	return c.name
}

// Classify implements engine.Classifier.
func (c *Classifier) Classify(err error) engine.FailureClass {
	if err == nil {
		return engine.ClassUnknown
	}

	class, evalErr := c.Evaluate(err.Error())
	if evalErr != nil {
		c.logger.Warn().Err(evalErr).Str("rules", c.name).Msg("Classification rules failed, using built-in rules")
		return c.fallback.Classify(err)
	}
	if class == engine.ClassUnknown {
		return c.fallback.Classify(err)
	}
	return class
}

// Evaluate runs classify(message) and returns its class. None and
// unrecognized names yield ClassUnknown.
func (c *Classifier) Evaluate(message string) (engine.FailureClass, error) {
	thread := newThread(c.name)
	thread.SetMaxExecutionSteps(maxSteps)

	timer := time.AfterFunc(c.timeout, func() {
		thread.Cancel(fmt.Sprintf("classification timeout after %v", c.timeout))
	})
	defer timer.Stop()

	v, err := starlark.Call(thread, c.fn, starlark.Tuple{starlark.String(message)}, nil)
	if err != nil {
		return engine.ClassUnknown, fmt.Errorf("classify failed: %w", err)
	}

	switch val := v.(type) {
	case starlark.NoneType:
		return engine.ClassUnknown, nil
	case starlark.String:
		if class, ok := engine.ParseFailureClass(string(val)); ok {
			return class, nil
		}
		c.logger.Debug().Str("rules", c.name).Str("returned", string(val)).Msg("Rules returned an unknown class name")
		return engine.ClassUnknown, nil
	default:
		return engine.ClassUnknown, fmt.Errorf("classify must return a string or None, got %s", v.Type())
	}
}

// Mismatch is an example the script does not classify as declared.
type Mismatch struct {
	Message string
	Want    string
	Got     engine.FailureClass
	Err     error
}

// SelfTest runs the script's examples through the full classifier chain.
func (c *Classifier) SelfTest() []Mismatch {
	msgs := make([]string, 0, len(c.examples))
	for msg := range c.examples {
		msgs = append(msgs, msg)
	}
	sort.Strings(msgs)

	var out []Mismatch
	for _, msg := range msgs {
		want := c.examples[msg]
		got := c.Classify(errors.New(msg))
		if string(got) != want {
			out = append(out, Mismatch{Message: msg, Want: want, Got: got})
		}
	}
	return out
}

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name:  name,
		Print: func(_ *starlark.Thread, _ string) {},
	}
}

func predeclared() starlark.StringDict {
	names := starlark.StringDict{}
	for _, class := range engine.AllFailureClasses() {
		names[string(class)] = starlark.String(class)
	}

	return starlark.StringDict{
		"struct":  starlarkstruct.Default,
		"classes": starlarkstruct.FromStringDict(starlark.String("classes"), names),
		"matches": starlark.NewBuiltin("matches", builtinMatches),
	}
}

// builtinMatches implements matches(pattern, text) with Go regexp syntax.
func builtinMatches(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, text string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "text", &text); err != nil {
		return nil, err
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.Bool(re.MatchString(text)), nil
}
