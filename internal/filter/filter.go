// Package filter implements address filtering for clients and peers.
package filter

import (
	"net/netip"
)

// Action is possible action that can be applied to an address.
type Action byte

var actionToStr = map[Action]string{
	Pass:  "pass",
	Allow: "allow",
	Deny:  "deny",
}

func (a Action) String() string {
	return actionToStr[a]
}

// Possible action list.
const (
	Pass Action = iota
	Allow
	Deny
)

// Rule represents a filtering rule.
type Rule interface {
	Action(addr netip.AddrPort) Action
}

type subnetRule struct {
	action Action
	net    netip.Prefix
}

func (r subnetRule) Action(addr netip.AddrPort) Action {
	if r.net.Contains(addr.Addr().Unmap()) {
		return r.action
	}
	return Pass
}

// StaticNetRule returns a static rule applying action to the subnet.
func StaticNetRule(action Action, subnet string) (Rule, error) {
	parsedNet, err := netip.ParsePrefix(subnet)
	if err != nil {
		return nil, err
	}
	return subnetRule{action: action, net: parsedNet}, nil
}

// AllowNet allows any address from subnet.
func AllowNet(subnet string) (Rule, error) {
	return StaticNetRule(Allow, subnet)
}

// ForbidNet blocks any address from subnet.
func ForbidNet(subnet string) (Rule, error) {
	return StaticNetRule(Deny, subnet)
}

type allowAll struct{}

func (allowAll) Action(addr netip.AddrPort) Action { return Allow }

// AllowAll is a Rule that always returns Allow.
var AllowAll Rule = allowAll{}

// DenyInterfaces denies any address equal to a server listening
// endpoint, so peers cannot point relayed traffic back at the server
// itself. Relayed addresses share the interface IP but never a
// listening port, so relay-to-relay traffic stays allowed.
type DenyInterfaces struct {
	addrs map[netip.AddrPort]struct{}
}

// NewDenyInterfaces builds the rule from the server interface set.
func NewDenyInterfaces(interfaces []netip.AddrPort) *DenyInterfaces {
	d := &DenyInterfaces{addrs: make(map[netip.AddrPort]struct{}, len(interfaces))}
	for _, a := range interfaces {
		d.addrs[netip.AddrPortFrom(a.Addr().Unmap(), a.Port())] = struct{}{}
	}
	return d
}

// Action implements Rule.
func (d *DenyInterfaces) Action(addr netip.AddrPort) Action {
	if _, ok := d.addrs[netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())]; ok {
		return Deny
	}
	return Pass
}

// List is a list of rules with a default action.
type List struct {
	action Action
	rules  []Rule
}

// Action implements Rule.
//
// Returns the first matched rule from the list or the default action
// if none found. Matched is a rule that returned Allow or Deny (not
// Pass).
func (f *List) Action(addr netip.AddrPort) Action {
	for i := range f.rules {
		a := f.rules[i].Action(addr)
		if a == Pass {
			continue
		}
		return a
	}
	return f.action
}

// NewFilter initializes and returns a new List with the provided
// default action and rule list.
func NewFilter(action Action, rules ...Rule) *List { return &List{rules: rules, action: action} }
