package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"

	"GoBooruArchiver/internal/atomicfile"
)

// ConfigProgressFile は複数の設定ファイルを順に処理する際の進捗ファイル名です。
const ConfigProgressFile = "configs_progress.json"

// ConfigProgress は、バッチ内で処理を終えた設定ファイルのフィンガープリントを記録します。
// 中断したバッチは、最初の未完了の設定から再開できます。
type ConfigProgress struct {
	path string

	mu        sync.Mutex
	completed map[string]struct{}
}

type configProgressFile struct {
	Completed []string `json:"completed"`
}

// LoadConfigProgress は path から進捗を読み込みます。ファイルがなければ空の進捗を返します。
func LoadConfigProgress(path string) (*ConfigProgress, error) {
	p := &ConfigProgress{path: path, completed: make(map[string]struct{})}

	var raw configProgressFile
	if err := atomicfile.ReadJSON(path, &raw); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return p, nil
		}
		return nil, fmt.Errorf("設定ごとの進捗の読み込みに失敗しました: %w", err)
	}
	for _, fp := range raw.Completed {
		p.completed[fp] = struct{}{}
	}
	return p, nil
}

// IsCompleted はフィンガープリント fp の設定が処理済みかどうかを返します。
func (p *ConfigProgress) IsCompleted(fp string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.completed[fp]
	return ok
}

// MarkCompleted は fp を処理済みとして記録し、保存します。
func (p *ConfigProgress) MarkCompleted(fp string) error {
	p.mu.Lock()
	p.completed[fp] = struct{}{}
	raw := configProgressFile{Completed: make([]string, 0, len(p.completed))}
	for k := range p.completed {
		raw.Completed = append(raw.Completed, k)
	}
	p.mu.Unlock()

	sort.Strings(raw.Completed)
	if err := atomicfile.WriteJSON(p.path, raw); err != nil {
		return fmt.Errorf("設定ごとの進捗の保存に失敗しました: %w", err)
	}
	return nil
}

// Clear はバッチ全体が完了したときに進捗を消去します。
func (p *ConfigProgress) Clear() error {
	p.mu.Lock()
	p.completed = make(map[string]struct{})
	p.mu.Unlock()

	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("設定ごとの進捗の削除に失敗しました: %w", err)
	}
	return nil
}
