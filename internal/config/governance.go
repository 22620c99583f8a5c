package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Vote is a host's stance on a governance candidate (spec section 3).
type Vote string

const (
	VoteSupport Vote = "support"
	VoteReject  Vote = "reject"
)

// Governance is the candidate_id -> vote mapping of the governance file.
// It may be mutated externally between reads, so callers reload it rather
// than caching it across heartbeat cycles.
type Governance map[string]Vote

// LoadGovernance reads the governance file. JSON and YAML are both
// accepted (spec section 6 specifies JSON; YAML is accepted as an operator
// convenience, following the pack's yaml.v3 usage for operator-facing
// config). A missing file is not an error - it means no votes are cast.
func LoadGovernance(path string) (Governance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Governance{}, nil
		}
		return nil, fmt.Errorf("read governance file %s: %w", path, err)
	}

	g := Governance{}
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("parse governance yaml %s: %w", path, err)
		}
		return g, nil
	}
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse governance json %s: %w", path, err)
	}
	return g, nil
}

// Save rewrites the governance file in the same format it was loaded in,
// using the same atomic write-then-rename sequence as Config.Save.
func (g Governance) Save(path string) error {
	var data []byte
	var err error
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(g)
	} else {
		data, err = json.MarshalIndent(g, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal governance: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write temp governance file: %w", err)
	}
	return os.Rename(tmp, path)
}

// DeleteVote removes a candidate's vote, used when the ledger hook rejects
// a vote as invalid (spec section 4.6).
func (g Governance) DeleteVote(candidateID string) {
	delete(g, candidateID)
}
