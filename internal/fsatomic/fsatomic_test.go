package fsatomic

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type dump struct {
	RunID string   `yaml:"runId" json:"runId"`
	Steps []string `yaml:"steps" json:"steps"`
}

func TestSaveAndLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "plan.yaml")
	if err := SaveYAML(path, dump{RunID: "r1", Steps: []string{"a"}}, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("perm = %v", st.Mode().Perm())
	}
	var got dump
	ok, err := LoadYAML(path, &got)
	if err != nil || !ok {
		t.Fatalf("load: %v ok=%v", err, ok)
	}
	if got.RunID != "r1" || len(got.Steps) != 1 {
		t.Fatalf("got %+v", got)
	}
}

func TestLoadYAMLMissingAndTmp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path+".tmp", []byte("runId: ["), 0o600); err != nil {
		t.Fatal(err)
	}
	var got dump
	ok, err := LoadYAML(path, &got)
	if err != nil || ok {
		t.Fatalf("want missing, got ok=%v err=%v", ok, err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("tmp should be removed, err=%v", err)
	}
}

func TestSaveJSONNoTmpLeft(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcome.json")
	if err := SaveJSON(path, map[string]string{"state": "aborted"}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("tmp left behind: %v", err)
	}
}

func TestLockExclusiveIsNonBlocking(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "sda.lock")
	l, err := LockExclusive(path)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := LockExclusive(path); !errors.Is(err, ErrLocked) {
		t.Fatalf("second lock: want ErrLocked, got %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	l2, err := LockExclusive(path)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	_ = l2.Release()
}
