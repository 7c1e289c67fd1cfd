// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ruleapi is the Rule Engine API (spec §4.5): the single entry
// point every caller (HTTP handlers, the bootstrap loader, the CLI) uses to
// mutate the forwarding table, serialized behind one global lock that
// covers validate, persist, and kernel reconciliation together.
package ruleapi

import (
	"os"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"vmark-noded/internal/forwarding"

	vmerrors "vmark-noded/internal/errors"
)

// bootstrapDoc is the declarative HCL shape a fresh deployment is seeded
// from: a flat list of labeled rule blocks, the same forwarding.Rule fields
// spelled out as HCL attributes.
type bootstrapDoc struct {
	Rules []bootstrapRule `hcl:"rule,block"`
}

type bootstrapRule struct {
	Name         string `hcl:"name,label"`
	InInterface  string `hcl:"in_interface"`
	SVLAN        *int   `hcl:"svlan,optional"`
	CVLAN        *int   `hcl:"cvlan,optional"`
	OutInterface string `hcl:"out_interface"`
	PopTags      int    `hcl:"pop_tags,optional"`
	PushSVLAN    *int   `hcl:"push_svlan,optional"`
	PushCVLAN    *int   `hcl:"push_cvlan,optional"`
	Active       bool   `hcl:"active,optional"`
}

// LoadBootstrap decodes the declarative rule file at path and installs
// every rule through CreateRule, so bootstrap rules go through exactly the
// same validation, conflict detection, persistence, and reconciliation as
// an operator-issued create. A missing file is not an error: a fresh
// deployment with no bootstrap file simply starts with an empty table.
func (e *Engine) LoadBootstrap(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	var doc bootstrapDoc
	if err := hclsimple.DecodeFile(path, nil, &doc); err != nil {
		return vmerrors.Wrap(err, vmerrors.KindPersistenceError, "decode bootstrap rule file")
	}

	for _, br := range doc.Rules {
		rule := &forwarding.Rule{
			Name:         br.Name,
			InInterface:  br.InInterface,
			SVLAN:        br.SVLAN,
			CVLAN:        br.CVLAN,
			OutInterface: br.OutInterface,
			PopTags:      br.PopTags,
			PushSVLAN:    br.PushSVLAN,
			PushCVLAN:    br.PushCVLAN,
			Active:       br.Active,
		}
		if err := e.CreateRule(rule); err != nil {
			return vmerrors.Wrapf(err, vmerrors.KindPersistenceError, "bootstrap rule %q", br.Name)
		}
	}
	return nil
}
