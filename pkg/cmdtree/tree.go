// Package cmdtree defines the dpctl command tree shared by the cobra
// command line and the interactive shell for help and tab completion.
package cmdtree

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Source supplies the names completed as command arguments.
type Source interface {
	Datapaths() []string
	Ports(dp string) []string
	// Links lists network devices that could be attached.
	Links() []string
}

// Node is one command.
type Node struct {
	Usage string // argument synopsis
	Desc  string
	// Args returns candidates for the next argument given the ones
	// already typed. Nil means free-form arguments.
	Args func(src Source, args []string) []string
}

// Candidate holds a name and its description for display.
type Candidate struct {
	Name string
	Desc string
}

func firstDatapath(src Source, args []string) []string {
	if len(args) == 0 {
		return src.Datapaths()
	}
	return nil
}

func datapaths(src Source, _ []string) []string {
	return src.Datapaths()
}

// Commands is the dpctl command set.
var Commands = map[string]*Node{
	"dump-dps": {Desc: "List datapaths"},
	"add-dp": {Usage: "DP [IFACE...]", Desc: "Create a datapath and attach interfaces",
		Args: func(src Source, args []string) []string {
			if len(args) == 0 {
				return nil
			}
			return src.Links()
		}},
	"del-dp": {Usage: "DP", Desc: "Delete a datapath", Args: firstDatapath},
	"add-if": {Usage: "DP IFACE[,type=TYPE]...", Desc: "Attach interfaces to a datapath",
		Args: func(src Source, args []string) []string {
			if len(args) == 0 {
				return src.Datapaths()
			}
			return src.Links()
		}},
	"del-if": {Usage: "DP IFACE...", Desc: "Detach interfaces from a datapath",
		Args: func(src Source, args []string) []string {
			if len(args) == 0 {
				return src.Datapaths()
			}
			return src.Ports(args[0])
		}},
	"show":       {Usage: "[DP...]", Desc: "Show datapath counters and ports", Args: datapaths},
	"dump-flows": {Usage: "DP", Desc: "List installed flows", Args: firstDatapath},
	"del-flows":  {Usage: "DP", Desc: "Delete every flow", Args: firstDatapath},
	"help":       {Desc: "Show available commands"},
	"exit":       {Desc: "Leave the shell"},
}

// Complete returns the candidates for partial after words. A nil src
// completes command names only.
func Complete(tree map[string]*Node, words []string, partial string, src Source) []string {
	if len(words) == 0 {
		return FilterPrefix(KeysOf(tree), partial)
	}
	node, ok := tree[words[0]]
	if !ok || node.Args == nil || src == nil {
		return nil
	}
	return FilterPrefix(node.Args(src, words[1:]), partial)
}

// HelpCandidates lists every command with its synopsis.
func HelpCandidates(tree map[string]*Node) []Candidate {
	out := make([]Candidate, 0, len(tree))
	for name, n := range tree {
		c := Candidate{Name: name, Desc: n.Desc}
		if n.Usage != "" {
			c.Name += " " + n.Usage
		}
		out = append(out, c)
	}
	return out
}

// WriteHelp prints aligned candidates to w in a single write, so
// readline redraws once.
func WriteHelp(w io.Writer, candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	width := 20
	for _, c := range candidates {
		if len(c.Name)+2 > width {
			width = len(c.Name) + 2
		}
	}
	var sb strings.Builder
	sb.WriteString("Possible completions:\n")
	for _, c := range candidates {
		if c.Desc != "" {
			fmt.Fprintf(&sb, "  %-*s %s\n", width, c.Name, c.Desc)
		} else {
			fmt.Fprintf(&sb, "  %s\n", c.Name)
		}
	}
	io.WriteString(w, sb.String())
}

// CommonPrefix returns the longest prefix shared by items.
func CommonPrefix(items []string) string {
	if len(items) == 0 {
		return ""
	}
	prefix := items[0]
	for _, s := range items[1:] {
		for !strings.HasPrefix(s, prefix) {
			prefix = prefix[:len(prefix)-1]
			if prefix == "" {
				return ""
			}
		}
	}
	return prefix
}

// KeysOf returns the sorted keys of m.
func KeysOf(m map[string]*Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FilterPrefix returns the items starting with prefix.
func FilterPrefix(items []string, prefix string) []string {
	if prefix == "" {
		return items
	}
	var out []string
	for _, item := range items {
		if strings.HasPrefix(item, prefix) {
			out = append(out, item)
		}
	}
	return out
}
