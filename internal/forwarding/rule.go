// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package forwarding holds the authoritative in-memory model of the XDP MEF
// switch's named forwarding rules: validation, inverse-rule generation,
// conflict detection, and atomic on-disk persistence.
package forwarding

import (
	"regexp"
	"strings"

	"vmark-noded/internal/forwarding/mapcodec"

	vmerrors "vmark-noded/internal/errors"
)

// EgressPrefix is the reserved name prefix for auto-generated inverse rules.
const EgressPrefix = "egress-"

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,31}$`)

// Rule is a named forwarding entry. See spec §3 for field semantics.
type Rule struct {
	Name          string `json:"name"`
	InInterface   string `json:"in_interface"`
	SVLAN         *int   `json:"svlan"`
	CVLAN         *int   `json:"cvlan"`
	OutInterface  string `json:"out_interface"`
	PopTags       int    `json:"pop_tags"`
	PushSVLAN     *int   `json:"push_svlan"`
	PushCVLAN     *int   `json:"push_cvlan"`
	Active        bool   `json:"active"`
	AutoInverse   bool   `json:"-"`
	OriginName    string `json:"-"` // empty if this is not an inverse
}

// AllowSameInterface, when true on Validate, permits in_interface ==
// out_interface (spec §3: forbidden "unless explicitly permitted").
type ValidateOptions struct {
	AllowSameInterface bool
}

// Validate checks Rule against the invariants of spec §3. It does not
// check conflicts against other rules; that is Table's job.
func (r *Rule) Validate(opts ValidateOptions) error {
	if r.Name == "" {
		return vmerrors.New(vmerrors.KindInvalidArgument, "name must not be empty")
	}
	if !nameRE.MatchString(r.Name) {
		return vmerrors.Errorf(vmerrors.KindInvalidArgument,
			"name %q must match [A-Za-z0-9_-]{1,31}", r.Name)
	}
	if !r.AutoInverse && strings.HasPrefix(r.Name, EgressPrefix) {
		return vmerrors.Errorf(vmerrors.KindInvalidArgument,
			"name %q uses the reserved prefix %q", r.Name, EgressPrefix)
	}
	if r.InInterface == "" {
		return vmerrors.New(vmerrors.KindInvalidArgument, "in_interface must not be empty")
	}
	if r.OutInterface == "" {
		return vmerrors.New(vmerrors.KindInvalidArgument, "out_interface must not be empty")
	}
	if r.InInterface == r.OutInterface && !opts.AllowSameInterface {
		return vmerrors.Errorf(vmerrors.KindInvalidArgument,
			"in_interface and out_interface must differ (rule %q)", r.Name)
	}

	if err := validateVLAN("svlan", r.SVLAN); err != nil {
		return err
	}
	if err := validateVLAN("cvlan", r.CVLAN); err != nil {
		return err
	}
	if err := validateVLAN("push_svlan", r.PushSVLAN); err != nil {
		return err
	}
	if err := validateVLAN("push_cvlan", r.PushCVLAN); err != nil {
		return err
	}

	if r.PopTags < 0 || r.PopTags > 2 {
		return vmerrors.Errorf(vmerrors.KindInvalidArgument, "pop_tags must be 0..2, got %d", r.PopTags)
	}
	maxPop := 0
	if r.SVLAN != nil || r.CVLAN != nil {
		maxPop++
	}
	if r.SVLAN != nil && r.CVLAN != nil {
		maxPop++
	}
	if r.PopTags > maxPop {
		return vmerrors.Errorf(vmerrors.KindInvalidArgument,
			"pop_tags %d exceeds the %d tag(s) the match implies", r.PopTags, maxPop)
	}

	steps := 0
	steps += r.PopTags
	if r.PushSVLAN != nil {
		steps++
	}
	if r.PushCVLAN != nil {
		steps++
	}
	steps++ // terminal FORWARD
	if steps > mapcodec.MaxSteps {
		return vmerrors.Errorf(vmerrors.KindInvalidArgument,
			"rule %q projects %d steps, exceeding the maximum of %d", r.Name, steps, mapcodec.MaxSteps)
	}

	return nil
}

func validateVLAN(field string, v *int) error {
	if v == nil {
		return nil
	}
	if *v < mapcodec.MinVLAN || *v > mapcodec.MaxVLAN {
		return vmerrors.Errorf(vmerrors.KindInvalidArgument,
			"%s %d out of range %d..%d", field, *v, mapcodec.MinVLAN, mapcodec.MaxVLAN)
	}
	return nil
}

// Clone returns a deep copy of r.
func (r *Rule) Clone() *Rule {
	c := *r
	c.SVLAN = clonePtr(r.SVLAN)
	c.CVLAN = clonePtr(r.CVLAN)
	c.PushSVLAN = clonePtr(r.PushSVLAN)
	c.PushCVLAN = clonePtr(r.PushCVLAN)
	return &c
}

func clonePtr(v *int) *int {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

// ProjectValue builds the MapValue action list for r per spec §3's
// canonical projection order: pops, then S-VLAN push, then C-VLAN push,
// then a terminal forward to targetIfindex.
func (r *Rule) ProjectValue(targetIfindex uint32) mapcodec.MapValue {
	var v mapcodec.MapValue
	n := 0

	for i := 0; i < r.PopTags; i++ {
		v.Steps[n] = mapcodec.Step{Type: mapcodec.StepPop, TagType: mapcodec.TagNone}
		n++
	}
	if r.PushSVLAN != nil {
		v.Steps[n] = mapcodec.Step{Type: mapcodec.StepPush, TagType: mapcodec.TagSVLAN, VLANID: uint16(*r.PushSVLAN)}
		n++
	}
	if r.PushCVLAN != nil {
		v.Steps[n] = mapcodec.Step{Type: mapcodec.StepPush, TagType: mapcodec.TagCVLAN, VLANID: uint16(*r.PushCVLAN)}
		n++
	}
	v.Steps[n] = mapcodec.Step{Type: mapcodec.StepForward, TagType: mapcodec.TagNone, TargetIfindex: targetIfindex}
	n++

	v.NumActions = uint8(n)
	return v
}

// ProjectKey builds the MapKey r matches on, given the resolved ifindex of
// its ingress interface.
func (r *Rule) ProjectKey(ingressIfindex uint32) mapcodec.MapKey {
	return mapcodec.MapKey{
		IngressIfindex: ingressIfindex,
		VLANID:         intOrZero(r.CVLAN),
		SVLANID:        intOrZero(r.SVLAN),
	}
}

func intOrZero(v *int) uint16 {
	if v == nil {
		return 0
	}
	return uint16(*v)
}

// Inverse computes the auto-generated sibling rule for r per spec §3's
// ForwardingTable invariants. r must be a user rule (not itself an
// inverse).
func (r *Rule) Inverse() *Rule {
	inv := &Rule{
		Name:         EgressPrefix + r.Name,
		InInterface:  r.OutInterface,
		OutInterface: r.InInterface,
		Active:       r.Active,
		AutoInverse:  true,
		OriginName:   r.Name,
	}

	// Tags pop outer-first: a matched S-VLAN consumes the first pop slot,
	// a matched C-VLAN the second, mirroring ProjectValue's step order.
	svlanPopped := r.SVLAN != nil && r.PopTags >= 1
	var cvlanPopped bool
	if r.SVLAN != nil {
		cvlanPopped = r.CVLAN != nil && r.PopTags >= 2
	} else {
		cvlanPopped = r.CVLAN != nil && r.PopTags >= 1
	}

	// finalSVLAN/finalCVLAN are the tags actually present on the frame as
	// it leaves out_interface: the push value if the rule rewrote the
	// tag, the original match if the pop budget never reached it, or
	// absent if the rule popped it without replacement.
	var finalSVLAN, finalCVLAN *int
	switch {
	case r.PushSVLAN != nil:
		finalSVLAN = intPtr(*r.PushSVLAN)
	case !svlanPopped:
		finalSVLAN = clonePtr(r.SVLAN)
	}
	switch {
	case r.PushCVLAN != nil:
		finalCVLAN = intPtr(*r.PushCVLAN)
	case !cvlanPopped:
		finalCVLAN = clonePtr(r.CVLAN)
	}

	inv.SVLAN = finalSVLAN
	inv.CVLAN = finalCVLAN

	// A dimension the forward rule touched (popped and/or rewritten by a
	// push) must be stripped back off and its original value re-pushed on
	// the return trip. A dimension it never touched passes through both
	// directions unchanged, so the inverse leaves it alone.
	svlanAltered := svlanPopped || r.PushSVLAN != nil
	cvlanAltered := cvlanPopped || r.PushCVLAN != nil

	if svlanAltered && finalSVLAN != nil {
		inv.PopTags++
	}
	if cvlanAltered && finalCVLAN != nil {
		inv.PopTags++
	}
	if svlanAltered && r.SVLAN != nil {
		inv.PushSVLAN = clonePtr(r.SVLAN)
	}
	if cvlanAltered && r.CVLAN != nil {
		inv.PushCVLAN = clonePtr(r.CVLAN)
	}

	return inv
}

func intPtr(v int) *int { return &v }
