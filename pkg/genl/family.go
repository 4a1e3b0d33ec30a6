package genl

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Family is a resolved generic netlink family.
type Family struct {
	ID     uint16
	Name   string
	Groups map[string]uint32
}

// Group returns the id of the named multicast group.
func (f Family) Group(name string) (uint32, error) {
	id, ok := f.Groups[name]
	if !ok {
		return 0, fmt.Errorf("family %s has no multicast group %q: %w", f.Name, name, unix.ENOENT)
	}
	return id, nil
}

// Resolver looks up generic netlink families by name.
type Resolver interface {
	Family(name string) (Family, error)
}

// NetlinkResolver resolves families through the kernel's generic
// netlink controller.
type NetlinkResolver struct{}

func (NetlinkResolver) Family(name string) (Family, error) {
	f, err := netlink.GenlFamilyGet(name)
	if err != nil {
		return Family{}, fmt.Errorf("generic netlink family %q: %w", name, err)
	}
	fam := Family{ID: f.ID, Name: f.Name, Groups: make(map[string]uint32, len(f.Groups))}
	for _, g := range f.Groups {
		fam.Groups[g.Name] = g.ID
	}
	return fam, nil
}

// StaticResolver serves a fixed set of families.
type StaticResolver map[string]Family

func (r StaticResolver) Family(name string) (Family, error) {
	f, ok := r[name]
	if !ok {
		return Family{}, fmt.Errorf("generic netlink family %q: %w", name, unix.ENOENT)
	}
	return f, nil
}
