package storage

import (
	"errors"
	"io/fs"
	"sort"
	"strconv"
	"sync"

	"GoBooruArchiver/internal/atomicfile"
)

// PoolIndex は、プールIDからそのプールの投稿を置いたディレクトリへの対応を保持し、
// pools.json として保存します。
type PoolIndex struct {
	path string

	mu    sync.Mutex
	pools map[int64]map[string]struct{}
}

// OpenPoolIndex は path からプール索引を読み込みます。ファイルがなければ空の索引を返します。
func OpenPoolIndex(path string) (*PoolIndex, error) {
	idx := &PoolIndex{path: path, pools: make(map[int64]map[string]struct{})}

	var raw map[string][]string
	if err := atomicfile.ReadJSON(path, &raw); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return idx, nil
		}
		return nil, err
	}
	for k, dirs := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		for _, d := range dirs {
			idx.addLocked(id, d)
		}
	}
	return idx, nil
}

// Add はプール id の投稿を dir に置いたことを記録します。
func (p *PoolIndex) Add(id int64, dir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addLocked(id, dir)
}

func (p *PoolIndex) addLocked(id int64, dir string) {
	set, ok := p.pools[id]
	if !ok {
		set = make(map[string]struct{})
		p.pools[id] = set
	}
	set[dir] = struct{}{}
}

// IDs は記録されているプールIDを昇順で返します。
func (p *PoolIndex) IDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int64, 0, len(p.pools))
	for id := range p.pools {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Dirs はプール id のディレクトリを返します。
func (p *PoolIndex) Dirs(id int64) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	dirs := make([]string, 0, len(p.pools[id]))
	for d := range p.pools[id] {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// Save は索引を原子的に保存します。
func (p *PoolIndex) Save() error {
	p.mu.Lock()
	raw := make(map[string][]string, len(p.pools))
	for id, set := range p.pools {
		dirs := make([]string, 0, len(set))
		for d := range set {
			dirs = append(dirs, d)
		}
		sort.Strings(dirs)
		raw[strconv.FormatInt(id, 10)] = dirs
	}
	p.mu.Unlock()
	return atomicfile.WriteJSON(p.path, raw)
}
