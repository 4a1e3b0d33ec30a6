package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/psaab/ovsdp/pkg/cmdtree"
)

// ErrExit is returned by Exec for "exit" and "quit".
var ErrExit = errors.New("exit")

func needArgs(cmd string, args []string, min, max int) error {
	if len(args) < min || (max >= 0 && len(args) > max) {
		return fmt.Errorf("usage: %s %s", cmd, cmdtree.Commands[cmd].Usage)
	}
	return nil
}

// Exec runs one shell line. A line ending in "?" prints the possible
// next words instead.
func (c *CLI) Exec(line string) error {
	line = strings.TrimSpace(line)
	if prefix, ok := strings.CutSuffix(line, "?"); ok {
		c.contextHelp(prefix)
		return nil
	}
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	cmd, args := words[0], words[1:]
	switch cmd {
	case "dump-dps":
		if err := needArgs(cmd, args, 0, 0); err != nil {
			return err
		}
		return c.DumpDPs()
	case "add-dp":
		if err := needArgs(cmd, args, 1, -1); err != nil {
			return err
		}
		return c.AddDP(args[0], args[1:]...)
	case "del-dp":
		if err := needArgs(cmd, args, 1, 1); err != nil {
			return err
		}
		return c.DelDP(args[0])
	case "add-if":
		if err := needArgs(cmd, args, 2, -1); err != nil {
			return err
		}
		return c.AddIf(args[0], args[1:]...)
	case "del-if":
		if err := needArgs(cmd, args, 2, -1); err != nil {
			return err
		}
		return c.DelIf(args[0], args[1:]...)
	case "show":
		return c.Show(args...)
	case "dump-flows":
		if err := needArgs(cmd, args, 1, 1); err != nil {
			return err
		}
		return c.DumpFlows(args[0])
	case "del-flows":
		if err := needArgs(cmd, args, 1, 1); err != nil {
			return err
		}
		return c.DelFlows(args[0])
	case "help":
		cmdtree.WriteHelp(c.out, cmdtree.HelpCandidates(cmdtree.Commands))
		return nil
	case "exit", "quit":
		return ErrExit
	}
	return fmt.Errorf("unknown command %q, type help for a list", cmd)
}

func (c *CLI) contextHelp(prefix string) {
	words := strings.Fields(prefix)
	partial := ""
	if len(words) > 0 && !strings.HasSuffix(prefix, " ") {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}
	var cands []cmdtree.Candidate
	for _, name := range cmdtree.Complete(cmdtree.Commands, words, partial, c.Source()) {
		cand := cmdtree.Candidate{Name: name}
		if len(words) == 0 {
			cand.Desc = cmdtree.Commands[name].Desc
		}
		cands = append(cands, cand)
	}
	if len(cands) == 0 {
		fmt.Fprintln(c.out, "No completions.")
		return
	}
	cmdtree.WriteHelp(c.out, cands)
}

// Source returns the completion source backed by the kernel.
func (c *CLI) Source() cmdtree.Source {
	return source{c}
}

type source struct{ c *CLI }

func (s source) Datapaths() []string {
	names, _ := s.c.sys.Enumerate()
	return names
}

func (s source) Ports(name string) []string {
	dp, err := s.c.sys.Open(name, false)
	if err != nil {
		return nil
	}
	defer dp.Close()
	ports, err := dp.Ports()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(ports))
	for _, p := range ports {
		names = append(names, p.Name)
	}
	return names
}

func (s source) Links() []string {
	if s.c.LinkNames == nil {
		return nil
	}
	names, _ := s.c.LinkNames()
	return names
}

// Completer implements readline.AutoCompleter over the command tree.
type Completer struct {
	Src cmdtree.Source
}

// Do returns the suffixes that complete the word under the cursor.
func (rc *Completer) Do(line []rune, pos int) ([][]rune, int) {
	text := string(line[:pos])
	words := strings.Fields(text)
	var partial string
	if len(words) > 0 && !strings.HasSuffix(text, " ") {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}
	var result [][]rune
	for _, cand := range cmdtree.Complete(cmdtree.Commands, words, partial, rc.Src) {
		result = append(result, []rune(cand[len(partial):]+" "))
	}
	return result, len([]rune(partial))
}
