package render

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"
)

// MissingVariableError is returned when a template references a variable the
// lead/campaign mapping does not provide. The engine never substitutes a
// blank: a broken template must not reach a prospect's inbox.
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("missing template variable %q", e.Name)
}

var variablePattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Renderer resolves spintax groups and {{variable}} tokens. The random
// source is injectable so tests can pin a seed.
type Renderer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a Renderer backed by the given source. A nil source gets a
// time-seeded one; pass rand.NewSource with a fixed seed for deterministic
// output.
func New(src rand.Source) *Renderer {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Renderer{rng: rand.New(src)}
}

// Render applies spintax resolution then variable substitution. Each
// {a|b|c} group picks one alternative uniformly, independently per group and
// per call; two renders of the same template may legitimately differ.
func (r *Renderer) Render(tmpl string, vars map[string]string) (string, error) {
	resolved, err := r.resolveSpintax(tmpl)
	if err != nil {
		return "", err
	}
	return substituteVariables(resolved, vars)
}

// Message is a fully rendered subject/body pair.
type Message struct {
	Subject string
	Body    string
}

// RenderMessage renders the subject and body templates against one variable
// mapping.
func (r *Renderer) RenderMessage(subjectTmpl, bodyTmpl string, vars map[string]string) (Message, error) {
	subject, err := r.Render(subjectTmpl, vars)
	if err != nil {
		return Message{}, fmt.Errorf("subject: %w", err)
	}
	body, err := r.Render(bodyTmpl, vars)
	if err != nil {
		return Message{}, fmt.Errorf("body: %w", err)
	}
	return Message{Subject: subject, Body: body}, nil
}

// resolveSpintax repeatedly rewrites the innermost {a|b|c} group until none
// remain, so nested groups resolve correctly. Braces that belong to
// {{variable}} tokens are left alone.
func (r *Renderer) resolveSpintax(tmpl string) (string, error) {
	for {
		start, end, ok := innermostGroup(tmpl)
		if !ok {
			return tmpl, nil
		}
		alternatives := strings.Split(tmpl[start+1:end], "|")
		r.mu.Lock()
		pick := alternatives[r.rng.Intn(len(alternatives))]
		r.mu.Unlock()
		tmpl = tmpl[:start] + pick + tmpl[end+1:]
	}
}

// innermostGroup finds the first spintax group containing no nested group.
// A group qualifies only if it holds at least one pipe and is not a
// {{variable}} token.
func innermostGroup(s string) (start, end int, ok bool) {
	depth := 0
	opens := make([]int, 0, 4)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			// Skip "{{" variable delimiters entirely.
			if i+1 < len(s) && s[i+1] == '{' {
				if close := strings.Index(s[i:], "}}"); close >= 0 {
					i += close + 1
					continue
				}
			}
			opens = append(opens, i)
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			open := opens[len(opens)-1]
			opens = opens[:len(opens)-1]
			depth--
			if strings.Contains(s[open+1:i], "|") {
				return open, i, true
			}
		}
	}
	return 0, 0, false
}

// substituteVariables replaces every {{name}} token from vars. Any token
// without a mapping is a hard error, never an empty substitution.
func substituteVariables(s string, vars map[string]string) (string, error) {
	var missing *MissingVariableError
	out := variablePattern.ReplaceAllStringFunc(s, func(token string) string {
		name := variablePattern.FindStringSubmatch(token)[1]
		value, ok := vars[name]
		if !ok {
			if missing == nil {
				missing = &MissingVariableError{Name: name}
			}
			return token
		}
		return value
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}
