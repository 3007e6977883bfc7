package topo

import (
	"fmt"
	"reflect"
	"strings"
)

// Registry holds the declared CLI commands of a config, keyed by name
// (§4.8 Command Registry).
type Registry struct {
	commands map[string]CLICommand
}

// NewRegistry builds a Registry from the config's cli list.
func NewRegistry(cfg *Config) *Registry {
	r := &Registry{commands: make(map[string]CLICommand, len(cfg.CLI))}
	for _, c := range cfg.CLI {
		r.commands[c.Name] = c
	}
	return r
}

// Lookup returns the named command, or false if undeclared.
func (r *Registry) Lookup(name string) (CLICommand, bool) {
	c, ok := r.commands[name]
	return c, ok
}

// Offered reports whether cmd may be invoked against a node of the given
// resolved kind, per the kinds-filter restriction (§4.8).
func (c CLICommand) Offered(nodeKind string) bool {
	if len(c.Kinds) == 0 {
		return true
	}
	for _, k := range c.Kinds {
		if k == nodeKind {
			return true
		}
	}
	return false
}

// Resolve expands cmd's exec template (or its per-kind override, if one
// matches node.Kind) substituting {host}/{unet} attribute references and
// {user_input} with trailingArgs (§4.8). The grammar is brace-delimited
// attribute access only — dotted paths into exported struct fields of host
// and unet — with no code execution: a brace span that is not one of the
// recognised forms is left untouched rather than evaluated as an
// expression, and a host./unet. field that does not exist expands to "".
func (c CLICommand) Resolve(node *Node, unet *Config, trailingArgs string) string {
	tmpl := c.Exec
	if node.Kind != "" {
		if override, ok := c.KindExec[node.Kind]; ok {
			tmpl = override
		}
	}
	return expandTemplate(tmpl, node, unet, trailingArgs)
}

// expandTemplate performs one left-to-right pass over tmpl, replacing each
// "{...}" span with its resolved value. Braces that don't parse as one of
// the three recognised forms are left verbatim.
func expandTemplate(tmpl string, host *Node, unet *Config, userInput string) string {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		open := strings.IndexByte(tmpl[i:], '{')
		if open < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		b.WriteString(tmpl[i : i+open])
		start := i + open
		close := strings.IndexByte(tmpl[start:], '}')
		if close < 0 {
			b.WriteString(tmpl[start:])
			break
		}
		token := tmpl[start+1 : start+close]
		b.WriteString(resolveToken(token, host, unet, userInput))
		i = start + close + 1
	}
	return b.String()
}

func resolveToken(token string, host *Node, unet *Config, userInput string) string {
	switch {
	case token == "user_input":
		return userInput
	case token == "host":
		return host.Name
	case token == "unet":
		return unet.Version
	case strings.HasPrefix(token, "host."):
		return attrLookup(host, strings.TrimPrefix(token, "host."))
	case strings.HasPrefix(token, "unet."):
		return attrLookup(unet, strings.TrimPrefix(token, "unet."))
	default:
		return "{" + token + "}"
	}
}

// attrLookup resolves a single exported field name (case-insensitive) off
// obj via reflection. It never calls methods or indexes maps/slices — the
// grammar is attribute access only, so there is no path to arbitrary code
// execution from a config file.
func attrLookup(obj interface{}, field string) string {
	v := reflect.ValueOf(obj)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return ""
	}
	f := v.FieldByNameFunc(func(name string) bool {
		return strings.EqualFold(name, field)
	})
	if !f.IsValid() {
		return ""
	}
	return fmt.Sprintf("%v", f.Interface())
}
