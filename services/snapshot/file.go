package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/upb/llm-enforcement-gateway/models"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FileStore persists snapshots as YAML.
type FileStore struct {
	path   string
	logger *zap.Logger
}

// NewFileStore creates a FileStore backed by path.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: path, logger: logger}
}

// Path returns the backing file.
func (f *FileStore) Path() string {
	return f.path
}

// Load reads the snapshot. A missing file yields an empty configuration.
func (f *FileStore) Load() (*models.Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		f.logger.Info("no configuration file found, starting empty", zap.String("path", f.path))
		return models.NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration %s: %w", f.path, err)
	}
	return Decode(data)
}

// Save writes snap via a temporary file and rename so readers never see a
// partial file.
func (f *FileStore) Save(_ context.Context, snap *models.Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create configuration directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".enforcement-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod configuration: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close configuration: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace configuration: %w", err)
	}

	f.logger.Debug("configuration saved", zap.String("path", f.path))
	return nil
}

// Decode parses a YAML snapshot. The override requires a password unless the
// document says otherwise.
func Decode(data []byte) (*models.Snapshot, error) {
	snap := models.NewSnapshot()
	if err := yaml.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := normalizeEnforcement(snap); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return snap, nil
}

// normalizeEnforcement canonicalizes the mode and the policy action keys.
func normalizeEnforcement(snap *models.Snapshot) error {
	if snap.Mode != "" {
		mode, err := models.ParseEnforcementMode(string(snap.Mode))
		if err != nil {
			return err
		}
		snap.Mode = mode
	}
	if len(snap.PolicyActions) == 0 {
		return nil
	}
	actions := make(map[string]models.PolicyAction, len(snap.PolicyActions))
	for name, raw := range snap.PolicyActions {
		action, err := models.ParsePolicyAction(string(raw))
		if err != nil {
			return fmt.Errorf("policy %s: %w", name, err)
		}
		actions[models.PolicyKey(name)] = action
	}
	snap.PolicyActions = actions
	return nil
}

// Encode renders snap as YAML.
func Encode(snap *models.Snapshot) ([]byte, error) {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	return data, nil
}
