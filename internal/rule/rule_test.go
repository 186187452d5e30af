package rule

import (
	"errors"
	"sync"
	"testing"
	"time"

	"GoBooruArchiver/internal/config"
	"GoBooruArchiver/internal/model"
)

var now = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func dest(mod func(*config.Destination)) config.Destination {
	d := config.DefaultDestination()
	d.Name = "Cats"
	d.Ratings = []string{"s", "q", "e"}
	d.Days = 30
	if mod != nil {
		mod(&d)
	}
	return d
}

func post(tags ...string) *model.Post {
	return model.NewPost(model.Post{
		ID:        1,
		Tags:      tags,
		Rating:    "s",
		Score:     10,
		FavCount:  3,
		CreatedAt: now.Add(-48 * time.Hour),
	})
}

func TestRule_Match(t *testing.T) {
	tests := []struct {
		name string
		dest config.Destination
		post *model.Post
		want bool
	}{
		{"whitelist 一致", dest(func(d *config.Destination) { d.Tags = []string{"cat", "cute"} }), post("cat", "cute", "happy"), true},
		{"whitelist 不足", dest(func(d *config.Destination) { d.Tags = []string{"cat", "cute"} }), post("cat"), false},
		{"ワイルドカード", dest(func(d *config.Destination) { d.Tags = []string{"cat*"} }), post("catgirl"), true},
		{"ワイルドカードはアンカー付き", dest(func(d *config.Destination) { d.Tags = []string{"cat*"} }), post("wildcat"), false},
		{"タグ内の除外", dest(func(d *config.Destination) { d.Tags = []string{"cat", "-dog"} }), post("cat", "dog"), false},
		{"保存先のブラックリスト", dest(func(d *config.Destination) { d.Blacklist = []string{"dog*"} }), post("cat", "doggo"), false},
		{"anylist 一致", dest(func(d *config.Destination) { d.Tags = []string{"~cat", "~dog"} }), post("dog"), true},
		{"anylist 不一致", dest(func(d *config.Destination) { d.Tags = []string{"~cat", "~dog"} }), post("mouse"), false},
		{"メタタグはローカルで無視", dest(func(d *config.Destination) { d.Tags = []string{"order:score", "cat"} }), post("cat"), true},
		{"プールタグ", dest(func(d *config.Destination) { d.Tags = []string{"pool:7"} }),
			model.NewPost(model.Post{ID: 2, Rating: "s", Pools: []int64{7}, CreatedAt: now}), true},
		{"レーティング", dest(func(d *config.Destination) { d.Ratings = []string{"e"} }), post("cat"), false},
		{"スコア", dest(func(d *config.Destination) { d.MinScore = 11 }), post("cat"), false},
		{"お気に入り数", dest(func(d *config.Destination) { d.MinFavs = 4 }), post("cat"), false},
		{"日数", dest(func(d *config.Destination) { d.Days = 2 }), post("cat"), false},
		{"condition 一致", dest(func(d *config.Destination) { d.Condition = "cat & (dog | -mouse)" }), post("cat", "dog"), true},
		{"condition 不一致", dest(func(d *config.Destination) { d.Condition = "cat & (dog | -mouse)" }), post("cat", "mouse"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Compile(tt.dest, nil, nil)
			if err != nil {
				t.Fatalf("Compile で予期せぬエラー: %v", err)
			}
			got, reason := r.Match(tt.post, now)
			if got != tt.want {
				t.Errorf("Match = %v (%s), 期待値 %v", got, reason, tt.want)
			}
		})
	}
}

func TestRule_GlobalBlacklist(t *testing.T) {
	r, err := Compile(dest(nil), []string{"gore"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if ok, _ := r.Match(post("cat", "gore"), now); ok {
		t.Error("グローバルブラックリストのタグを持つ投稿が一致しました")
	}
	if !r.Passthrough() {
		t.Error("グローバルブラックリストだけでは述語を持つとみなさないべきです")
	}
}

func TestRule_SearchTagsAndAliases(t *testing.T) {
	aliases := map[string]string{"kitty": "cat", "-puppy": "-dog"}
	resolve := func(tag string) (string, error) {
		if tag == "misspeled" {
			return "", errors.New("unknown tag")
		}
		if v, ok := aliases[tag]; ok {
			return v, nil
		}
		return tag, nil
	}

	d := dest(func(d *config.Destination) {
		d.Tags = []string{"Kitty", "-puppy", "a", "b", "c", "d"}
		d.Condition = "kitty & -bird"
	})
	r, err := Compile(d, nil, resolve)
	if err != nil {
		t.Fatalf("Compile で予期せぬエラー: %v", err)
	}

	want := []string{"cat", "-dog", "a", "b", "c"}
	if len(r.SearchTags) != MaxSearchTags {
		t.Fatalf("SearchTags = %v, 期待値 %v", r.SearchTags, want)
	}
	for i := range want {
		if r.SearchTags[i] != want[i] {
			t.Errorf("SearchTags[%d] = %q, 期待値 %q", i, r.SearchTags[i], want[i])
		}
	}
	if ok, _ := r.Match(post("cat", "a", "b", "c", "d"), now); !ok {
		t.Error("エイリアス解決後の condition で一致するべきです")
	}

	bad := dest(func(d *config.Destination) { d.Tags = []string{"misspeled"} })
	if _, err := Compile(bad, nil, resolve); err == nil {
		t.Error("解決できないタグはエラーになるべきです")
	}
}

func TestRule_PassthroughRequiresDefaultFilters(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*config.Destination)
		want bool
	}{
		{"タグも独自条件もない", nil, true},
		{"タグを持つ", func(d *config.Destination) { d.Tags = []string{"cat"} }, false},
		{"独自のレーティング", func(d *config.Destination) {
			d.Ratings = []string{"e"}
			d.OwnFilters = true
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Compile(dest(tt.mod), nil, nil)
			if err != nil {
				t.Fatal(err)
			}
			if got := r.Passthrough(); got != tt.want {
				t.Errorf("Passthrough = %v, 期待値 %v", got, tt.want)
			}
		})
	}
}

func TestCountdown(t *testing.T) {
	c := NewCountdown(2)
	if !c.TryTake() || !c.TryTake() {
		t.Fatal("残数の範囲内で TryTake が失敗しました")
	}
	if c.TryTake() || c.HasRemaining() {
		t.Fatal("残数0で TryTake が成功しました")
	}
	c.Restore()
	if !c.HasRemaining() || c.Remaining() != 1 {
		t.Errorf("Restore 後の残数 = %d, 期待値 1", c.Remaining())
	}

	u := NewCountdown(config.Unbounded)
	for i := 0; i < 100; i++ {
		if !u.TryTake() {
			t.Fatal("無制限のカウントダウンで TryTake が失敗しました")
		}
	}
	u.Restore()
	if !u.Unbounded() {
		t.Error("無制限のカウントダウンが有限になりました")
	}
}

// 失敗の補填は事後に行われるため、並行に失敗が重なると上限より多く投入されうる。
// この寛容な挙動を維持していることを確認する。
func TestCountdown_RestoreIsPermissive(t *testing.T) {
	// Arrange
	c := NewCountdown(2)
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	// Act: 2件確保し、両方失敗として戻してから、さらに2件確保する
	for round := 0; round < 2; round++ {
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(fail bool) {
				defer wg.Done()
				if !c.TryTake() {
					return
				}
				mu.Lock()
				admitted++
				mu.Unlock()
				if fail {
					c.Restore()
				}
			}(round == 0)
		}
		wg.Wait()
	}

	// Assert
	if admitted != 4 {
		t.Errorf("投入数 = %d, 期待値 4 (失敗分の補填で上限 2 を超えて投入される)", admitted)
	}
	if c.Remaining() != 0 {
		t.Errorf("残数 = %d, 期待値 0", c.Remaining())
	}
}

func TestNormalizeTag(t *testing.T) {
	if got := NormalizeTag("  Wide_Eyed "); got != "wide_eyed" {
		t.Errorf("NormalizeTag = %q", got)
	}
}
