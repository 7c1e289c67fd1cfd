// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package forwarding

import (
	"encoding/json"
	"os"
	"path/filepath"

	"vmark-noded/internal/logging"

	vmerrors "vmark-noded/internal/errors"
)

// snapshotDoc is the on-disk JSON shape of spec §6: only user rules,
// inverses are never persisted.
type snapshotDoc struct {
	Rules []Rule `json:"rules"`
}

// Persist serializes every user rule in t to path, atomically (temp file +
// rename), with plain (non-secret) file permissions since a rule snapshot
// carries no credentials.
func (t *Table) Persist(path string) error {
	userRules := t.UserRules()
	flat := make([]Rule, len(userRules))
	for i, r := range userRules {
		flat[i] = *r
	}

	data, err := json.MarshalIndent(snapshotDoc{Rules: flat}, "", "  ")
	if err != nil {
		return vmerrors.Wrap(err, vmerrors.KindPersistenceError, "marshal forwarding snapshot")
	}

	if err := writeFileAtomic(path, data); err != nil {
		return vmerrors.Wrap(err, vmerrors.KindPersistenceError, "write forwarding snapshot")
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Load reads path (if present), validates every rule, drops invalid
// entries with a warning, and rebuilds the table from scratch — including
// inverse regeneration, never trusting any inverse on disk (there is
// none; only user rules are persisted).
func (t *Table) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return vmerrors.Wrap(err, vmerrors.KindPersistenceError, "read forwarding snapshot")
	}

	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return vmerrors.Wrap(err, vmerrors.KindPersistenceError, "parse forwarding snapshot")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = make(map[string]*Rule)
	t.order = nil

	for i := range doc.Rules {
		r := doc.Rules[i]
		if err := r.Validate(ValidateOptions{}); err != nil {
			logging.Warn("dropping invalid rule from snapshot", "name", r.Name, "error", err)
			continue
		}
		t.insertLocked(r.Clone())
	}
	for _, name := range append([]string(nil), t.order...) {
		t.regenerateInverseLocked(name)
	}
	return nil
}
