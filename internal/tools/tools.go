// Package tools defines the skill contract and the registry the
// conversation loop dispatches tool calls through.
package tools

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// Skill categories used to group the tool knowledge section.
const (
	CategorySystem = "system"
	CategoryFiles  = "files"
	CategoryWeb    = "web"
	CategoryConfig = "self-configuration"
)

// Descriptor is the prompt-facing description of a skill.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	Parameters  map[string]any `json:"parameters"`
}

// Skill is a named capability the model may invoke. Execute always
// returns a Result; failures are reported in it rather than as errors.
type Skill interface {
	Describe() Descriptor
	Execute(ctx context.Context, args map[string]any, rc RunContext) Result
}

// HandlerFunc executes a skill.
type HandlerFunc func(ctx context.Context, args map[string]any, rc RunContext) Result

// Tool is the standard Skill implementation: a descriptor plus a
// handler function.
type Tool struct {
	Name        string
	Description string
	Category    string
	Parameters  map[string]any
	Handler     HandlerFunc
}

// Describe implements Skill.
func (t *Tool) Describe() Descriptor {
	return Descriptor{
		Name:        t.Name,
		Description: t.Description,
		Category:    t.Category,
		Parameters:  t.Parameters,
	}
}

// Execute implements Skill.
func (t *Tool) Execute(ctx context.Context, args map[string]any, rc RunContext) Result {
	return t.Handler(ctx, args, rc)
}

// Media describes a file produced by a skill (a capture, a download).
type Media struct {
	Type         string `json:"type"`
	Path         string `json:"path"`
	EncodedBytes string `json:"encoded_bytes,omitempty"`
	MimeType     string `json:"mime_type"`
}

// Result is the outcome of a skill invocation.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Media   *Media `json:"media,omitempty"`
}

// OK returns a successful result carrying data.
func OK(data any) Result {
	return Result{Success: true, Data: data}
}

// Fail returns a failed result with a formatted error message.
func Fail(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Content renders the result for a tool message. Inline media bytes are
// omitted; the model only needs the path and type.
func (r Result) Content() string {
	out := r
	if out.Media != nil {
		m := *out.Media
		m.EncodedBytes = ""
		out.Media = &m
	}
	data, err := json.Marshal(out)
	if err != nil {
		if r.Success {
			return fmt.Sprintf(`{"success":true,"data":%q}`, fmt.Sprint(r.Data))
		}
		return fmt.Sprintf(`{"success":false,"error":%q}`, r.Error)
	}
	return string(data)
}

// Registry is a name-keyed set of skills. Skills are registered at
// startup and the registry is then sealed; lookups after Seal take no
// locks.
type Registry struct {
	mu     sync.Mutex
	sealed atomic.Bool
	skills map[string]Skill
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]Skill)}
}

// Register adds a skill. It fails after Seal, for an empty name, or for
// a name that is already registered.
func (r *Registry) Register(s Skill) error {
	name := s.Describe().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	if name == "" {
		return fmt.Errorf("skill has no name")
	}
	if _, dup := r.skills[name]; dup {
		return fmt.Errorf("skill %q already registered", name)
	}
	r.skills[name] = s
	return nil
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed.Store(true)
}

func (r *Registry) lookup(name string) (Skill, bool) {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	s, ok := r.skills[name]
	return s, ok
}

// Get returns the named skill or an *ErrToolUnavailable.
func (r *Registry) Get(name string) (Skill, error) {
	s, ok := r.lookup(name)
	if !ok {
		return nil, &ErrToolUnavailable{ToolName: name}
	}
	return s, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

func (r *Registry) all() []Skill {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	out := make([]Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	return out
}

// Names returns every registered skill name, sorted.
func (r *Registry) Names() []string {
	skills := r.all()
	names := make([]string, len(skills))
	for i, s := range skills {
		names[i] = s.Describe().Name
	}
	slices.Sort(names)
	return names
}

// Descriptors returns every skill's descriptor ordered by category and
// then name.
func (r *Registry) Descriptors() []Descriptor {
	skills := r.all()
	out := make([]Descriptor, len(skills))
	for i, s := range skills {
		out[i] = s.Describe()
	}
	slices.SortFunc(out, func(a, b Descriptor) int {
		return cmp.Or(cmp.Compare(a.Category, b.Category), cmp.Compare(a.Name, b.Name))
	})
	return out
}

// Definitions returns provider tool definitions (OpenAI function
// format) for the named skills, in the order given. Unknown names are
// skipped.
func (r *Registry) Definitions(names []string) []map[string]any {
	var result []map[string]any
	for _, name := range names {
		s, ok := r.lookup(name)
		if !ok {
			continue
		}
		d := s.Describe()
		params := d.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

// Execute runs the named skill. An unknown name yields a failed result
// without invoking anything; a panicking skill is reported as a failure.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, rc RunContext) (res Result) {
	s, ok := r.lookup(name)
	if !ok {
		return Fail("unknown tool %q", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	defer func() {
		if p := recover(); p != nil {
			res = Fail("tool %s panicked: %v", name, p)
		}
	}()
	return s.Execute(ctx, args, rc)
}
