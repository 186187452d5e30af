// Package atomicfile は、一時ファイルへの書き込みとリネームによる
// 原子的なファイル更新を提供します。途中でプロセスが落ちても、
// 対象ファイルは更新前か更新後のどちらかの内容になります。
package atomicfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Write は data を path に原子的に書き込みます。
func Write(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("保存先ディレクトリの作成に失敗しました (dir=%s): %w", dir, err)
	}

	tmpPath := filepath.Join(dir, "."+filepath.Base(path)+".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗しました (path=%s): %w", tmpPath, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("一時ファイルへの書き込みに失敗しました (path=%s, size=%d bytes): %w", tmpPath, len(data), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("一時ファイルの同期に失敗しました (path=%s): %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("一時ファイルのクローズに失敗しました (path=%s): %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("一時ファイルのリネームに失敗しました (%s -> %s): %w", tmpPath, path, err)
	}
	return nil
}

// WriteJSON は v をインデント付きJSONにして path に原子的に書き込みます。
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("JSONのシリアライズに失敗しました (path=%s): %w", path, err)
	}
	return Write(path, data, 0644)
}

// ReadJSON は path のJSONを v にデコードします。
// ファイルが存在しない場合は os.ErrNotExist をラップしたエラーを返します。
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ファイルの読み込みに失敗しました (path=%s): %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("JSONのパースに失敗しました (path=%s): %w", path, err)
	}
	return nil
}
