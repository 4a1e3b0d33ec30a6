package cmdtree

import (
	"slices"
	"strings"
	"testing"
)

type fakeSource struct{}

func (fakeSource) Datapaths() []string { return []string{"br0", "br1"} }
func (fakeSource) Links() []string     { return []string{"eth0", "eth1", "lo"} }
func (fakeSource) Ports(dp string) []string {
	if dp == "br0" {
		return []string{"br0", "eth0"}
	}
	return nil
}

func TestComplete(t *testing.T) {
	tests := []struct {
		line    string
		partial string
		want    []string
	}{
		{"", "dump", []string{"dump-dps", "dump-flows"}},
		{"", "del-", []string{"del-dp", "del-flows", "del-if"}},
		{"show", "", []string{"br0", "br1"}},
		{"del-dp", "br1", []string{"br1"}},
		{"del-dp br0", "", nil},
		{"add-if", "b", []string{"br0", "br1"}},
		{"add-if br0", "eth", []string{"eth0", "eth1"}},
		{"del-if br0", "", []string{"br0", "eth0"}},
		{"add-dp", "", nil},
		{"add-dp br9", "l", []string{"lo"}},
		{"dump-dps", "", nil},
		{"bogus", "", nil},
	}
	for _, tt := range tests {
		got := Complete(Commands, strings.Fields(tt.line), tt.partial, fakeSource{})
		if !slices.Equal(got, tt.want) {
			t.Errorf("Complete(%q, %q) = %v, want %v", tt.line, tt.partial, got, tt.want)
		}
	}
}

func TestCompleteWithoutSource(t *testing.T) {
	if got := Complete(Commands, []string{"show"}, "", nil); got != nil {
		t.Errorf("arguments completed without a source: %v", got)
	}
	if got := Complete(Commands, nil, "ex", nil); !slices.Equal(got, []string{"exit"}) {
		t.Errorf("command completion = %v", got)
	}
}

func TestWriteHelp(t *testing.T) {
	var sb strings.Builder
	WriteHelp(&sb, HelpCandidates(map[string]*Node{
		"show":     {Usage: "[DP...]", Desc: "Show datapaths"},
		"dump-dps": {Desc: "List datapaths"},
		"exit":     {},
	}))
	want := "Possible completions:\n" +
		"  dump-dps             List datapaths\n" +
		"  exit\n" +
		"  show [DP...]         Show datapaths\n"
	if sb.String() != want {
		t.Errorf("help =\n%s\nwant\n%s", sb.String(), want)
	}
}

func TestCommonPrefix(t *testing.T) {
	tests := []struct {
		items []string
		want  string
	}{
		{nil, ""},
		{[]string{"dump-dps"}, "dump-dps"},
		{[]string{"dump-dps", "dump-flows"}, "dump-"},
		{[]string{"show", "exit"}, ""},
	}
	for _, tt := range tests {
		if got := CommonPrefix(tt.items); got != tt.want {
			t.Errorf("CommonPrefix(%v) = %q, want %q", tt.items, got, tt.want)
		}
	}
}
