package delta

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"text/template/parse"
)

// Kind is the declared type of a variable binding.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
)

// Binding is one operator supplied variable.
type Binding struct {
	Kind  Kind
	Name  string
	Value any // string, int64 or float64 according to Kind
}

// NewBinding converts raw into a value of the given kind.
func NewBinding(kind Kind, name, raw string) (Binding, error) {
	if name == "" {
		return Binding{}, fmt.Errorf("variable name is empty")
	}
	b := Binding{Kind: kind, Name: name}
	switch kind {
	case KindString:
		b.Value = raw
	case KindInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Binding{}, fmt.Errorf("variable %s: %q is not an int", name, raw)
		}
		b.Value = n
	case KindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Binding{}, fmt.Errorf("variable %s: %q is not a float", name, raw)
		}
		b.Value = f
	default:
		return Binding{}, fmt.Errorf("variable %s: unknown type %q (want string, int or float)", name, kind)
	}
	return b, nil
}

// ParseBinding parses "type:name=value". The "type:" prefix may be omitted, in
// which case the binding is a string.
func ParseBinding(s string) (Binding, error) {
	decl, raw, ok := strings.Cut(s, "=")
	if !ok {
		return Binding{}, fmt.Errorf("invalid variable %q: expected type:name=value", s)
	}
	kind, name := KindString, decl
	if k, n, found := strings.Cut(decl, ":"); found {
		kind, name = Kind(k), n
	}
	return NewBinding(kind, strings.TrimSpace(name), raw)
}

// String renders the value as it is substituted into a delta body.
func (b Binding) String() string {
	switch v := b.Value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Variables is a set of bindings keyed by name. It is never persisted.
type Variables map[string]Binding

// NewVariables builds a binding set, rejecting duplicate names.
func NewVariables(bindings ...Binding) (Variables, error) {
	vars := make(Variables, len(bindings))
	for _, b := range bindings {
		if _, dup := vars[b.Name]; dup {
			return nil, fmt.Errorf("variable %s bound more than once", b.Name)
		}
		vars[b.Name] = b
	}
	return vars, nil
}

// Render substitutes {{ .name }} references in body. Values are inserted as
// plain text. Every referenced name must be bound; otherwise the error wraps
// ErrUnboundVariable and lists the missing names. Braces that do not open a
// template action, such as the array literal '{{1,2},{3,4}}', are kept as is.
func Render(name, body string, vars Variables) (string, error) {
	if !strings.Contains(body, "{{") {
		return body, nil
	}

	tmpl, err := template.New(name).Option("missingkey=error").Parse(quoteLiteralBraces(body))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidTemplate, name, err)
	}

	var missing []string
	for _, ref := range References(tmpl) {
		if _, ok := vars[ref]; !ok {
			missing = append(missing, ref)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w in %s: %s", ErrUnboundVariable, name, strings.Join(missing, ", "))
	}

	data := make(map[string]string, len(vars))
	for k, b := range vars {
		data[k] = b.String()
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return sb.String(), nil
}

var actionKeywords = map[string]bool{
	"if": true, "else": true, "end": true, "range": true, "with": true,
	"block": true, "define": true, "template": true, "break": true, "continue": true,
}

// quoteLiteralBraces rewrites every "{{" that does not start a template
// action into {{"{{"}} so the parser emits it verbatim. An action is a "{{"
// whose text up to the next "}}" starts with a field, a variable, a comment
// or a keyword.
func quoteLiteralBraces(body string) string {
	var sb strings.Builder
	for {
		i := strings.Index(body, "{{")
		if i < 0 {
			sb.WriteString(body)
			return sb.String()
		}
		sb.WriteString(body[:i])
		rest := body[i+2:]
		if end, ok := actionEnd(rest); ok {
			sb.WriteString("{{")
			sb.WriteString(rest[:end+2])
			body = rest[end+2:]
			continue
		}
		sb.WriteString(`{{"{{"}}`)
		body = rest
	}
}

func actionEnd(rest string) (int, bool) {
	end := strings.Index(rest, "}}")
	if end < 0 {
		return 0, false
	}
	inner := rest[:end]
	if strings.Contains(inner, "{{") {
		return 0, false
	}
	inner = strings.TrimSpace(inner)
	if strings.HasPrefix(inner, "- ") {
		inner = strings.TrimSpace(inner[2:])
	}
	switch {
	case strings.HasPrefix(inner, "."), strings.HasPrefix(inner, "$"), strings.HasPrefix(inner, "/*"):
		return end, true
	}
	if f := strings.Fields(inner); len(f) > 0 && actionKeywords[f[0]] {
		return end, true
	}
	return 0, false
}

// References returns the sorted, de-duplicated top level field names used by
// tmpl, such as "schema" for {{ .schema }}.
func References(tmpl *template.Template) []string {
	seen := map[string]bool{}
	if tmpl.Tree != nil {
		walkNode(tmpl.Root, seen)
	}
	refs := make([]string, 0, len(seen))
	for k := range seen {
		refs = append(refs, k)
	}
	sort.Strings(refs)
	return refs
}

func walkNode(n parse.Node, seen map[string]bool) {
	switch n := n.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, c := range n.Nodes {
			walkNode(c, seen)
		}
	case *parse.ActionNode:
		walkNode(n.Pipe, seen)
	case *parse.IfNode:
		walkNode(n.Pipe, seen)
		walkNode(n.List, seen)
		walkNode(n.ElseList, seen)
	case *parse.RangeNode:
		// dot is rebound inside the body
		walkNode(n.Pipe, seen)
	case *parse.WithNode:
		walkNode(n.Pipe, seen)
	case *parse.TemplateNode:
		walkNode(n.Pipe, seen)
	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, c := range n.Cmds {
			walkNode(c, seen)
		}
	case *parse.CommandNode:
		for _, a := range n.Args {
			walkNode(a, seen)
		}
	case *parse.FieldNode:
		if len(n.Ident) > 0 {
			seen[n.Ident[0]] = true
		}
	case *parse.ChainNode:
		walkNode(n.Node, seen)
	}
}
