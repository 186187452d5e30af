// Package rule は、設定から保存先ごとのフィルタ規則を構築し、投稿を照合します。
package rule

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"GoBooruArchiver/internal/condition"
	"GoBooruArchiver/internal/config"
	"GoBooruArchiver/internal/model"
)

// MaxSearchTags はリモート検索に直接渡すタグ数の上限です。残りはローカルで絞り込みます。
const MaxSearchTags = 5

// AliasFunc はタグを正規名に解決します。'-' や '~' の接頭辞は保持して返す必要があります。
type AliasFunc func(tag string) (string, error)

var lower = cases.Lower(language.Und)

// NormalizeTag はタグをNFC正規化し、小文字化します。
func NormalizeTag(tag string) string {
	return lower.String(norm.NFC.String(strings.TrimSpace(tag)))
}

// IsMetaTag は、リモート側でのみ評価されるメタタグ (order:score, type:webm など) かどうかを返します。
// pool:<id> は投稿に合成されるため、ローカルでも照合できます。
func IsMetaTag(tag string) bool {
	return strings.Contains(tag, ":") && !strings.HasPrefix(tag, model.PoolTagPrefix)
}

// Rule は単一の保存先（またはプレフィルタ）のコンパイル済み規則です。
// Countdown 以外は構築後に変更されません。
type Rule struct {
	Name       string
	SearchTags []string
	Days       int
	MinScore   int
	MinFavs    int
	Ratings    map[string]bool
	Countdown  *Countdown

	Format        string
	Subfolders    []string
	SubfolderOnly bool
	Pools         string
	PostSource    string
	Enabled       bool
	Prefilter     bool

	whitelist []mask
	blacklist []mask
	anylist   []mask
	cond      *condition.Condition

	// ownBlacklist はグローバル以外の除外タグを持つかどうかです。
	ownBlacklist bool
	// ownFilters は defaults と異なるレーティング・スコア・日数の条件を持つかどうかです。
	ownFilters bool
}

// Compile は保存先の設定から規則を構築します。globalBlacklist はすべての保存先に適用されます。
// resolve が nil の場合、タグはエイリアス解決されません。
func Compile(d config.Destination, globalBlacklist []string, resolve AliasFunc) (*Rule, error) {
	r := &Rule{
		Name:          d.Name,
		Days:          d.Days,
		MinScore:      d.MinScore,
		MinFavs:       d.MinFavs,
		Ratings:       make(map[string]bool),
		Countdown:     NewCountdown(d.MaxDownloads),
		Format:        d.Format,
		Subfolders:    append([]string(nil), d.Subfolders...),
		SubfolderOnly: d.SubfolderOnly,
		Pools:         d.Pools,
		PostSource:    d.PostSource,
		Enabled:       d.IsEnabled(),
		ownFilters:    d.OwnFilters,
	}
	for _, rating := range d.Ratings {
		rating = NormalizeTag(rating)
		if rating != "" {
			r.Ratings[rating[:1]] = true
		}
	}

	blacklist := append(append([]string(nil), globalBlacklist...), d.Blacklist...)
	if err := r.compileTags(d.Tags, blacklist, d.Condition, resolve); err != nil {
		return nil, err
	}
	if len(d.Blacklist) > 0 {
		r.ownBlacklist = true
	}
	return r, nil
}

// CompilePrefilter はプレフィルタの規則を構築します。プレフィルタはレーティングやスコアで絞り込みません。
func CompilePrefilter(p config.Prefilter, globalBlacklist []string, resolve AliasFunc) (*Rule, error) {
	r := &Rule{
		Name:       p.Name,
		Days:       p.Days,
		MinScore:   -2147483647,
		Countdown:  NewCountdown(config.Unbounded),
		PostSource: config.SourceAPI,
		Enabled:    true,
		Prefilter:  true,
	}
	if err := r.compileTags(p.Tags, globalBlacklist, p.Condition, resolve); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rule) compileTags(tags, blacklist []string, cond string, resolve AliasFunc) error {
	if resolve == nil {
		resolve = func(tag string) (string, error) { return tag, nil }
	}

	for _, raw := range tags {
		tag, err := resolve(NormalizeTag(raw))
		if err != nil {
			return err
		}
		if tag == "" {
			continue
		}
		if len(r.SearchTags) < MaxSearchTags {
			r.SearchTags = append(r.SearchTags, tag)
		}

		switch {
		case strings.HasPrefix(tag, "-"):
			r.blacklist = append(r.blacklist, compileMask(tag[1:]))
			r.ownBlacklist = true
		case strings.HasPrefix(tag, "~"):
			r.anylist = append(r.anylist, compileMask(tag[1:]))
		case IsMetaTag(tag):
			// リモート検索でのみ評価する
		default:
			r.whitelist = append(r.whitelist, compileMask(tag))
		}
	}

	for _, raw := range blacklist {
		tag, err := resolve(NormalizeTag(raw))
		if err != nil {
			return err
		}
		if tag != "" {
			r.blacklist = append(r.blacklist, compileMask(strings.TrimPrefix(tag, "-")))
		}
	}

	if strings.TrimSpace(cond) == "" {
		return nil
	}
	c, err := condition.Compile(NormalizeTag(cond))
	if err != nil {
		return &config.ConfigurationError{Section: r.Name, Msg: "condition の構文が不正です", Err: err}
	}
	c, err = c.RewriteTags(resolve)
	if err != nil {
		return err
	}
	r.cond = c
	return nil
}

// Passthrough は、規則が独自の絞り込みを一切持たないかどうかを返します。
// タグの述語がなく、レーティングやスコアなども defaults のままの保存先が該当し、
// ファンアウトでは常に一致するものとして扱われます。
func (r *Rule) Passthrough() bool {
	return len(r.whitelist) == 0 && len(r.anylist) == 0 && r.cond == nil && !r.ownBlacklist && !r.ownFilters
}

// EarliestDate はリモート検索で使う最古の投稿日を返します。Days が0以下なら無制限です。
// Days=1 は今日の投稿のみを意味します。
func (r *Rule) EarliestDate(now time.Time) time.Time {
	if r.Days <= 0 {
		return time.Time{}
	}
	y, m, d := now.AddDate(0, 0, -(r.Days - 1)).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}

// TooOld は投稿が規則の日数の範囲外かどうかを返します。
func (r *Rule) TooOld(p *model.Post, now time.Time) bool {
	return r.Days > 0 && p.DaysAgo(now) >= r.Days
}

// Match は投稿が規則に一致するかどうかを判定します。一致しない場合は理由を返します。
func (r *Rule) Match(p *model.Post, now time.Time) (bool, string) {
	tags := p.Tags
	for _, m := range r.whitelist {
		if !m.matchAny(tags) {
			return false, fmt.Sprintf("必要なタグ '%s' がありません", m.source)
		}
	}
	if len(r.Ratings) > 0 && !r.Ratings[p.Rating] {
		return false, fmt.Sprintf("レーティング '%s' は対象外です", p.Rating)
	}
	for _, m := range r.blacklist {
		if m.matchAny(tags) {
			return false, fmt.Sprintf("ブラックリストのタグ '%s' が含まれています", m.source)
		}
	}
	if len(r.anylist) > 0 {
		found := false
		for _, m := range r.anylist {
			if m.matchAny(tags) {
				found = true
				break
			}
		}
		if !found {
			return false, "いずれかのタグ (~) が含まれていません"
		}
	}
	if p.Score < r.MinScore {
		return false, fmt.Sprintf("スコア %d が下限 %d 未満です", p.Score, r.MinScore)
	}
	if p.FavCount < r.MinFavs {
		return false, fmt.Sprintf("お気に入り数 %d が下限 %d 未満です", p.FavCount, r.MinFavs)
	}
	if r.cond != nil && !r.cond.Eval(p.TagSet()) {
		return false, "condition を満たしません"
	}
	if r.TooOld(p, now) {
		return false, fmt.Sprintf("%d 日以上前の投稿です", r.Days)
	}
	return true, ""
}

// mask はアンカー付き正規表現にコンパイルされたタグのグロブパターンです。
type mask struct {
	source  string
	literal bool
	re      *regexp.Regexp
}

func compileMask(glob string) mask {
	if !strings.ContainsAny(glob, "*?") {
		return mask{source: glob, literal: true}
	}
	var b strings.Builder
	b.WriteString("^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return mask{source: glob, re: regexp.MustCompile(b.String())}
}

func (m mask) match(tag string) bool {
	if m.literal {
		return tag == m.source
	}
	return m.re.MatchString(tag)
}

func (m mask) matchAny(tags []string) bool {
	for _, t := range tags {
		if m.match(t) {
			return true
		}
	}
	return false
}
