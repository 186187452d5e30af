// Package fanout は、一つの投稿が保存されるべき末端ディレクトリの集合を、
// 保存先のサブフォルダ木とプール所属から決定します。
package fanout

import (
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"GoBooruArchiver/internal/config"
	"GoBooruArchiver/internal/model"
	"GoBooruArchiver/internal/rule"
)

// PoolsDir はプールごとのサブフォルダを置くディレクトリ名です。
const PoolsDir = "pools"

// CleanDirName は保存先の名前を相対ディレクトリパスに変換します。
// ディレクトリ名に使えない文字は '_' に、'\' は '/' に置き換えます。
// '.' や '..' のような要素は取り除きます。
func CleanDirName(name string) string {
	var b strings.Builder
	for _, r := range norm.NFC.String(name) {
		switch r {
		case ':', '*', '?', '"', '<', '>', '|':
			b.WriteRune('_')
		case '\\':
			b.WriteRune('/')
		default:
			b.WriteRune(r)
		}
	}

	parts := strings.Split(b.String(), "/")
	clean := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || p == "." || p == ".." {
			continue
		}
		clean = append(clean, p)
	}
	return strings.Join(clean, "/")
}

// Resolve は、保存先 root を起点に投稿を配置すべき末端パス（download_root からの相対）を返します。
//
// 一致した（または述語を持たない）ノードではすべての子を再帰的に調べ、
// 子のどれにも配置されなかった場合に限り自身のパスを結果にします。
// 現在の経路上にある保存先は再訪しないため、循環した設定でも停止します。
func Resolve(p *model.Post, root string, nodes map[string]*rule.Rule, now time.Time) []string {
	ancestors := make(map[string]bool)
	out := resolve(p, root, CleanDirName(root), nodes, now, ancestors)
	return dedup(out)
}

func resolve(p *model.Post, key, dir string, nodes map[string]*rule.Rule, now time.Time, ancestors map[string]bool) []string {
	r, ok := nodes[key]
	if !ok {
		return nil
	}
	if !r.Passthrough() {
		if matched, _ := r.Match(p, now); !matched {
			return nil
		}
	}

	ancestors[key] = true
	defer delete(ancestors, key)

	var out []string
	for _, child := range r.Subfolders {
		if ancestors[child] {
			continue
		}
		out = append(out, resolve(p, child, childDir(dir, child), nodes, now, ancestors)...)
	}
	if len(out) == 0 {
		return []string{dir}
	}
	return out
}

// childDir は子の保存先のディレクトリを返します。
// 子の名前が親のパスから始まる場合 ("Cats/Wildcats") はそのまま使い、
// そうでなければ親のパスの下に置きます。
func childDir(parent, child string) string {
	c := CleanDirName(child)
	if strings.HasPrefix(c, parent+"/") {
		return c
	}
	return path.Join(parent, c)
}

// WithPools はプールへの配置方針 strategy に従って末端パスを展開します。
// copy は元のパスに加えて <leaf>/pools/<id> を返し、move はプール側のパスだけを返します。
// 投稿がどのプールにも属さない場合は paths をそのまま返します。
func WithPools(paths []string, p *model.Post, strategy string) []string {
	if strategy == config.PoolsNone || strategy == "" || len(p.Pools) == 0 {
		return paths
	}
	out := make([]string, 0, len(paths)*(len(p.Pools)+1))
	for _, leaf := range paths {
		if strategy == config.PoolsCopy {
			out = append(out, leaf)
		}
		for _, id := range p.Pools {
			out = append(out, path.Join(leaf, PoolsDir, strconv.FormatInt(id, 10)))
		}
	}
	return dedup(out)
}

// PoolID は WithPools が生成したパスからプールIDを取り出します。
func PoolID(dir string) (int64, bool) {
	parent, last := path.Split(path.Clean(dir))
	if path.Base(strings.TrimSuffix(parent, "/")) != PoolsDir {
		return 0, false
	}
	id, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func dedup(paths []string) []string {
	if len(paths) < 2 {
		return paths
	}
	seen := make(map[string]bool, len(paths))
	out := paths[:0:0]
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
