package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"GoBooruArchiver/internal/config"
	"GoBooruArchiver/internal/core"
)

func writeConfig(t *testing.T, dir, name, stateDir, destinations string) string {
	t.Helper()
	root, _ := json.Marshal(filepath.Join(dir, "downloads"))
	state, _ := json.Marshal(stateDir)
	body := fmt.Sprintf(`{
  "config_version": "1.0",
  "settings": { "download_root": %s, "state_dir": %s, "offline": true },
  "destinations": %s
}`, root, state, destinations)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunBatch_InvalidLaterConfigFailsBeforeAnyRun(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	stateA := filepath.Join(dir, "state-a")
	good := writeConfig(t, dir, "a.json", stateA, `[{"name": "Cats", "tags": ["cat"]}]`)
	bad := writeConfig(t, dir, "b.json", filepath.Join(dir, "state-b"),
		`[{"name": "Dogs", "tags": ["dog"], "subfolders": ["Missing"]}]`)

	term := core.NewTerminator(log.New(io.Discard, "", 0))
	exited := false
	term.SetExitFunc(func(int) { exited = true })

	// Act
	err := runBatch(context.Background(), term, []string{good, bad}, "test")

	// Assert
	var cfgErr *config.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("ConfigurationError が期待されましたが %v が返されました", err)
	}
	if exited {
		t.Error("設定エラーの前に実行が始まりました")
	}
	if _, err := os.Stat(stateA); !os.IsNotExist(err) {
		t.Errorf("1つ目の設定の状態ディレクトリが作られています: %v", err)
	}
}

func TestLoadConfigs_AllValid(t *testing.T) {
	dir := t.TempDir()
	a := writeConfig(t, dir, "a.json", filepath.Join(dir, "s"), `[{"name": "Cats", "tags": ["cat"]}]`)
	b := writeConfig(t, dir, "b.json", filepath.Join(dir, "s"), `[{"name": "Dogs", "tags": ["dog"]}]`)

	cfgs, err := loadConfigs([]string{a, b})

	if err != nil {
		t.Fatal(err)
	}
	if len(cfgs) != 2 || cfgs[0].Path != a || cfgs[1].Path != b {
		t.Errorf("読み込み順が一致しません: %d 件", len(cfgs))
	}
	if cfgs[0].Fingerprint == cfgs[1].Fingerprint {
		t.Error("異なる設定のフィンガープリントが一致しています")
	}
}
