package core

import (
	"context"
	"path/filepath"
	"testing"
)

func TestVerifyRegistry(t *testing.T) {
	// Arrange
	root := t.TempDir()
	registry := openRegistry(t)
	good := filepath.Join(root, "1.png")
	empty := filepath.Join(root, "2.png")
	missing := filepath.Join(root, "3.png")
	writeFile(t, good, "ok")
	writeFile(t, empty, "")

	batch := registry.Begin()
	batch.MarkDownloaded(good, 1)
	batch.MarkDownloaded(empty, 2)
	batch.MarkDownloaded(missing, 3)
	if err := batch.Commit(); err != nil {
		t.Fatal(err)
	}

	// Act
	result, err := verifyRegistry(context.Background(), registry, false, discardLogger)

	// Assert
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalChecked != 3 || result.TotalMissing != 1 || result.TotalCorrupted != 1 {
		t.Errorf("結果 = %+v", result)
	}
	if result.TotalRepaired != 0 {
		t.Errorf("検証のみで %d 件修復されました", result.TotalRepaired)
	}
}

func TestVerifyRegistry_Repair(t *testing.T) {
	root := t.TempDir()
	registry := openRegistry(t)
	empty := filepath.Join(root, "2.png")
	missing := filepath.Join(root, "3.png")
	writeFile(t, empty, "")
	batch := registry.Begin()
	batch.MarkDownloaded(empty, 2)
	batch.MarkDownloaded(missing, 3)
	if err := batch.Commit(); err != nil {
		t.Fatal(err)
	}

	result, err := verifyRegistry(context.Background(), registry, true, discardLogger)
	if err != nil {
		t.Fatal(err)
	}

	if result.TotalRepaired != 2 {
		t.Errorf("修復数 = %d, 期待値 2", result.TotalRepaired)
	}
	for _, p := range []string{empty, missing} {
		if ok, _ := registry.IsDownloaded(p); ok {
			t.Errorf("%s が台帳に残っています", p)
		}
	}
	again, err := verifyRegistry(context.Background(), registry, false, discardLogger)
	if err != nil {
		t.Fatal(err)
	}
	if again.TotalChecked != 0 {
		t.Errorf("修復後のチェック数 = %d, 期待値 0", again.TotalChecked)
	}
}
