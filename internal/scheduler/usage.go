package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Usage is the persistent monthly request counter with its kill-switch.
// RequestsUsed is monotonic within a month and resets on month change.
type Usage struct {
	MonthKey        string `json:"month_key"`
	RequestsUsed    int    `json:"requests_used"`
	KillSwitchArmed bool   `json:"kill_switch_armed"`
}

// UsageFile owns the on-disk counter. Writers are the scheduler (tick and
// manual trigger) and the kill-switch clear; every read and write is
// serialized by mu.
type UsageFile struct {
	path string

	mu    sync.Mutex
	usage Usage
}

func LoadUsage(path string) (*UsageFile, error) {
	u := &UsageFile{path: path}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return u, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read usage file: %w", err)
	}
	if err := json.Unmarshal(raw, &u.usage); err != nil {
		return nil, fmt.Errorf("parse usage file: %w", err)
	}
	return u, nil
}

func (u *UsageFile) Snapshot() Usage {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.usage
}

// RollMonth resets the counter and re-arms the kill-switch when the month
// key changes. Returns true when a roll happened.
func (u *UsageFile) RollMonth(monthKey string, armKillSwitch bool) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.usage.MonthKey == monthKey {
		return false, nil
	}
	u.usage = Usage{
		MonthKey:        monthKey,
		RequestsUsed:    0,
		KillSwitchArmed: armKillSwitch,
	}
	return true, u.saveLocked()
}

// Add increments the counter by a run's request estimate.
func (u *UsageFile) Add(requests int) error {
	if requests < 0 {
		requests = 0
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.usage.RequestsUsed += requests
	return u.saveLocked()
}

// ClearKillSwitch is the operator escape hatch after a cap hit.
func (u *UsageFile) ClearKillSwitch() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.usage.KillSwitchArmed = false
	return u.saveLocked()
}

func (u *UsageFile) saveLocked() error {
	encoded, err := json.MarshalIndent(u.usage, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(u.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".scheduler-usage-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), u.path)
}
