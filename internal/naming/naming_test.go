package naming

import (
	"testing"
	"time"

	"GoBooruArchiver/internal/model"
)

func TestFileName(t *testing.T) {
	now := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	post := model.NewPost(model.Post{
		ID:        1572867,
		MD5:       "0123456789abcdef0123456789abcdef",
		Ext:       "jpg",
		Artists:   []string{"suncelia"},
		Score:     12,
		CreatedAt: now.Add(-72 * time.Hour),
	})

	tests := []struct {
		name       string
		format     string
		includeMD5 bool
		want       string
	}{
		{"既定", "", false, "1572867.jpg"},
		{"md5付き", "", true, "1572867.0123456789abcdef0123456789abcdef.jpg"},
		{"アーティスト", "{artist}", false, "suncelia.1572867.jpg"},
		{"複数のプレースホルダ", "{artist}_{score}_{days_ago}d", false, "suncelia_12_3d.1572867.jpg"},
		{"不正な文字は置換", "a/b:{rating}", false, "a／b：.1572867.jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FileName(post, tt.format, tt.includeMD5, now)
			if got != tt.want {
				t.Errorf("FileName = %q, 期待値 %q", got, tt.want)
			}
			if id, ok := ParseID(got); !ok || id != post.ID {
				t.Errorf("ParseID(%q) = (%d, %v), 期待値 %d", got, id, ok, post.ID)
			}
		})
	}
}

func TestParseID(t *testing.T) {
	tests := map[string]int64{
		"123.png":             123,
		"123.png.request":     123,
		"artist.456.webm":     456,
		"a.b.c.789.jpg":       789,
		"notanid.jpg":         0,
		"noext":               0,
		"artist.456.webm.tmp": 0,
	}
	for name, want := range tests {
		got, ok := ParseID(name)
		if want == 0 {
			if ok {
				t.Errorf("ParseID(%q) は失敗するべきです (got %d)", name, got)
			}
			continue
		}
		if !ok || got != want {
			t.Errorf("ParseID(%q) = (%d, %v), 期待値 %d", name, got, ok, want)
		}
	}
}

func TestValidateFormat(t *testing.T) {
	if err := ValidateFormat("{artist}_{score}"); err != nil {
		t.Errorf("有効なフォーマットでエラー: %v", err)
	}
	if err := ValidateFormat("{artist}_{nope}"); err == nil {
		t.Error("未知のプレースホルダはエラーになるべきです")
	}
}
