package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// contractConfigParams carries the fields the create/start handlers
// rewrite into the instance's contract config (spec section 4.1:
// "materializes a contract directory by copying a template and rewriting
// its JSON configuration (node signing keys, contract id, unl seeded with
// the new node's pubkey, mesh port, user port, contract run-as UID/GID
// fixed at 10000:0)").
type contractConfigParams struct {
	ContractID   string
	NodePubkey   string
	MeshPort     int
	UserPort     int
	RunUID       int
	RunGID       int
	ConfigRaw    json.RawMessage
	HPFSLogLevel string
	FullHistory  bool
}

// hotPocketConfig is the subset of the contract's hp.cfg / config.json the
// daemon owns and rewrites on every create/start.
type hotPocketConfig struct {
	Contract struct {
		ID          string   `json:"id"`
		Unl         []string `json:"unl"`
		RunAs       string   `json:"run_as"`
		Environment map[string]any `json:"environment,omitempty"`
	} `json:"contract"`
	Node struct {
		PublicKey string `json:"public_key"`
	} `json:"node"`
	Mesh struct {
		Port int `json:"port"`
	} `json:"mesh"`
	User struct {
		Port int `json:"port"`
	} `json:"user"`
	HPFS struct {
		LogLevel string `json:"log_level"`
		History  string `json:"history"`
	} `json:"hpfs"`
}

const configFileName = "config.json"

// materializeContractDir copies templateDir to contractDir (if not already
// present) and rewrites its JSON configuration per the params above.
func materializeContractDir(templateDir, contractDir string, params contractConfigParams) error {
	if _, err := os.Stat(contractDir); os.IsNotExist(err) {
		if err := copyDir(templateDir, contractDir); err != nil {
			return fmt.Errorf("copy contract template: %w", err)
		}
	}

	cfgPath := filepath.Join(contractDir, configFileName)
	var cfg hotPocketConfig
	if data, err := os.ReadFile(cfgPath); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	cfg.Contract.ID = params.ContractID
	cfg.Contract.Unl = []string{params.NodePubkey}
	cfg.Contract.RunAs = fmt.Sprintf("%d:%d", params.RunUID, params.RunGID)
	cfg.Node.PublicKey = params.NodePubkey
	cfg.Mesh.Port = params.MeshPort
	cfg.User.Port = params.UserPort
	if params.HPFSLogLevel != "" {
		cfg.HPFS.LogLevel = params.HPFSLogLevel
	}
	if params.FullHistory {
		cfg.HPFS.History = "full"
	} else if cfg.HPFS.History == "" {
		cfg.HPFS.History = "custom"
	}

	if len(params.ConfigRaw) > 0 {
		var overrides map[string]any
		if err := json.Unmarshal(params.ConfigRaw, &overrides); err == nil {
			if cfg.Contract.Environment == nil {
				cfg.Contract.Environment = map[string]any{}
			}
			for k, v := range overrides {
				cfg.Contract.Environment[k] = v
			}
		}
	}

	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal contract config: %w", err)
	}
	tmp := cfgPath + ".tmp"
	if err := os.WriteFile(tmp, out, 0o640); err != nil {
		return fmt.Errorf("write contract config: %w", err)
	}
	return os.Rename(tmp, cfgPath)
}

// validateContractConfig checks the filesystem log level and history mode
// are set to a recognized value before start (spec section 4.1: "start ...
// validates the filesystem log level and history mode").
func validateContractConfig(contractDir string) error {
	data, err := os.ReadFile(filepath.Join(contractDir, configFileName))
	if err != nil {
		return fmt.Errorf("read contract config: %w", err)
	}
	var cfg hotPocketConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse contract config: %w", err)
	}
	switch cfg.HPFS.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid hpfs log level %q", cfg.HPFS.LogLevel)
	}
	switch cfg.HPFS.History {
	case "full", "custom":
	default:
		return fmt.Errorf("invalid hpfs history mode %q", cfg.HPFS.History)
	}
	return nil
}

func copyDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
