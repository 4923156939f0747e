// Package identity persists the stable device identity of this
// installation.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tracklet/tracklet/internal/model"
)

// Store reads and writes the device identity JSON file. A missing or
// corrupt file is regenerated with a fresh device id; the identity only
// survives as long as the file does.
type Store struct {
	path         string
	agentVersion string
}

func NewStore(path, agentVersion string) *Store {
	return &Store{path: path, agentVersion: agentVersion}
}

// GetOrCreate returns the persisted identity, creating it on first run.
func (s *Store) GetOrCreate() (model.DeviceIdentity, error) {
	if data, err := os.ReadFile(s.path); err == nil {
		var existing model.DeviceIdentity
		if err := json.Unmarshal(data, &existing); err == nil && strings.TrimSpace(existing.DeviceID) != "" {
			if strings.TrimSpace(existing.AgentVersion) == "" {
				existing.AgentVersion = s.agentVersion
				if err := s.write(existing); err != nil {
					return model.DeviceIdentity{}, err
				}
			}
			return existing, nil
		}
		// Unreadable or incomplete identity: regenerate below.
	}

	hostname, _ := os.Hostname()
	created := model.DeviceIdentity{
		DeviceID:     uuid.NewString(),
		CreatedAt:    time.Now().UTC(),
		Hostname:     hostname,
		OS:           runtime.GOOS,
		AgentVersion: s.agentVersion,
	}
	if err := s.write(created); err != nil {
		return model.DeviceIdentity{}, err
	}
	return created, nil
}

func (s *Store) write(id model.DeviceIdentity) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}
