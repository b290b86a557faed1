package persist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"pkt.systems/ccbridge/schema"
	"pkt.systems/pslog"
)

// AgentRecord captures an agent's configuration and continuation state.
type AgentRecord struct {
	Agent          schema.AgentID        `json:"agent"`
	Model          schema.ModelID        `json:"model,omitempty"`
	RepoPath       string                `json:"repo"`
	PermissionMode schema.PermissionMode `json:"permission_mode,omitempty"`
	MaxTurns       int                   `json:"max_turns,omitempty"`
	IdleTimeoutMs  int64                 `json:"idle_timeout_ms,omitempty"`
	HangTimeoutMs  int64                 `json:"hang_timeout_ms,omitempty"`
	SessionID      schema.SessionID      `json:"session_id,omitempty"`
	TotalCostUSD   float64               `json:"total_cost_usd"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// Store persists agent records to disk and resolves session log locations.
type Store struct {
	dir        string
	claudeHome string
	log        pslog.Logger
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, "agents"), 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	home, _ := os.UserHomeDir()
	return &Store{dir: dir, claudeHome: filepath.Join(home, ".claude"), log: logger}, nil
}

// SetClaudeHome overrides the directory session logs are resolved under.
func (s *Store) SetClaudeHome(dir string) {
	s.claudeHome = dir
}

// ProjectSlug returns the stable project key for a repository path. Every
// character outside [A-Za-z0-9-] becomes '-', the way the CLI names its
// project directories.
func ProjectSlug(repoPath string) string {
	cleaned := filepath.Clean(repoPath)
	var b strings.Builder
	for _, r := range cleaned {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('-')
	}
	return b.String()
}

// SessionLogPath returns where the CLI records the transcript of a session.
func (s *Store) SessionLogPath(repoPath string, sessionID schema.SessionID) string {
	if sessionID == "" {
		return ""
	}
	return filepath.Join(s.claudeHome, "projects", ProjectSlug(repoPath), sanitize(string(sessionID))+".jsonl")
}

// SessionLogExists reports whether the transcript for a session is present.
func (s *Store) SessionLogExists(repoPath string, sessionID schema.SessionID) bool {
	path := s.SessionLogPath(repoPath, sessionID)
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// LoadAgent reads an agent record from disk.
func (s *Store) LoadAgent(agent schema.AgentID) (AgentRecord, bool, error) {
	data, err := os.ReadFile(s.pathForAgent(agent))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("state load miss", "agent", agent)
			}
			return AgentRecord{}, false, nil
		}
		if s.log != nil {
			s.log.Warn("state load failed", "agent", agent, "err", err)
		}
		return AgentRecord{}, false, err
	}
	var record AgentRecord
	if err := json.Unmarshal(data, &record); err != nil {
		if s.log != nil {
			s.log.Warn("state load failed", "agent", agent, "err", err)
		}
		return AgentRecord{}, false, err
	}
	return record, true, nil
}

// ListAgents reads every stored agent record, ordered by creation time.
// Unreadable records are skipped and logged.
func (s *Store) ListAgents() ([]AgentRecord, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "agents"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	records := make([]AgentRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, "agents", entry.Name()))
		if err != nil {
			if s.log != nil {
				s.log.Warn("state list skip", "file", entry.Name(), "err", err)
			}
			continue
		}
		var record AgentRecord
		if err := json.Unmarshal(data, &record); err != nil || record.Agent == "" {
			if s.log != nil {
				s.log.Warn("state list skip", "file", entry.Name(), "err", err)
			}
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].Agent < records[j].Agent
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// SaveAgent writes an agent record to disk atomically.
func (s *Store) SaveAgent(record AgentRecord) error {
	if record.Agent == "" {
		return errors.New("agent id is required")
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	path := s.pathForAgent(record.Agent)
	if err := writeFileAtomic(path, record); err != nil {
		if s.log != nil {
			s.log.Warn("state save failed", "agent", record.Agent, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Trace("state save ok", "agent", record.Agent, "session", record.SessionID)
	}
	return nil
}

// DeleteAgent removes an agent record. Missing records are not an error.
func (s *Store) DeleteAgent(agent schema.AgentID) error {
	if err := os.Remove(s.pathForAgent(agent)); err != nil && !errors.Is(err, os.ErrNotExist) {
		if s.log != nil {
			s.log.Warn("state delete failed", "agent", agent, "err", err)
		}
		return err
	}
	return nil
}

func writeFileAtomic(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "state-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) pathForAgent(agent schema.AgentID) string {
	name := sanitize(string(agent))
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, "agents", name+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
