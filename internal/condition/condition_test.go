package condition

import (
	"errors"
	"reflect"
	"testing"
)

func set(tags ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		m[t] = struct{}{}
	}
	return m
}

func TestCompile_Eval(t *testing.T) {
	tests := []struct {
		name string
		line string
		tags map[string]struct{}
		want bool
	}{
		{"catとdog", "cat & (dog | -mouse)", set("cat", "dog"), true},
		{"catのみ", "cat & (dog | -mouse)", set("cat"), true},
		{"catとmouse", "cat & (dog | -mouse)", set("cat", "mouse"), false},
		{"単一タグ_一致", "cat", set("cat"), true},
		{"単一タグ_不一致", "cat", set("dog"), false},
		{"否定", "-sad", set("happy"), true},
		{"二重否定", "--sad", set("sad"), true},
		{"括弧内の否定", "(-sad)", set("sad"), false},
		{"論理積が論理和より強い", "a | b & c", set("a"), true},
		{"論理積が論理和より強い_2", "a | b & c", set("b"), false},
		{"括弧で順序を変更", "(a | b) & c", set("a"), false},
		{"タグ途中のハイフン", "closed-eyes", set("closed-eyes"), true},
		{"エスケープした演算子", `tag_with_\&_and_\|`, set("tag_with_&_and_|"), true},
		{"エスケープした括弧", `\(with_braces\)`, set("(with_braces)"), true},
		{"チルダは先頭以外なら可", "cat~like", set("cat~like"), true},
		{"複合条件", "-sad & ( (cute & happy) | (smile & closed_eyes) )", set("smile", "closed_eyes"), true},
		{"複合条件_sad", "-sad & ( (cute & happy) | (smile & closed_eyes) )", set("sad", "cute", "happy"), false},
		{"空白なし", "a&-b|c", set("c", "b"), true},
		{"ワイルドカードなしの完全一致", "cat", set("cats"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Act
			c, err := Compile(tt.line)

			// Assert
			if err != nil {
				t.Fatalf("Compile(%q) で予期せぬエラー: %v", tt.line, err)
			}
			if got := c.Eval(tt.tags); got != tt.want {
				t.Errorf("Eval = %v, 期待値 %v (式: %s)", got, tt.want, c)
			}
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"空の式", ""},
		{"空白のみ", "   "},
		{"禁止文字", "cat, dog"},
		{"ワイルドカード", "cat*"},
		{"不正なエスケープ", `ca\t`},
		{"行末のバックスラッシュ", `cat\`},
		{"先頭のチルダ", "~cat"},
		{"閉じられていない括弧", "(cat & dog"},
		{"余分な閉じ括弧", "cat & dog)"},
		{"演算子の連続", "cat & | dog"},
		{"末尾の演算子", "cat &"},
		{"タグの連続", "cat dog"},
		{"中置の否定", "cat - dog"},
		{"空の括弧", "()"},
		{"タグ位置のパイプ", "| cat"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.line)
			if err == nil {
				t.Fatalf("Compile(%q) はエラーを返すべきです", tt.line)
			}
			var syntaxErr *SyntaxError
			if !errors.As(err, &syntaxErr) {
				t.Errorf("エラーの型が *SyntaxError ではありません: %T", err)
			}
		})
	}
}

func TestCondition_Tags(t *testing.T) {
	c := MustCompile(`-sad & (cute | sad | \(x\))`)

	got := c.Tags()
	want := []string{"sad", "cute", "(x)"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tags() = %v, 期待値 %v", got, want)
	}
}

func TestCondition_RewriteTags(t *testing.T) {
	// Arrange
	c := MustCompile("kitty & -doggo")
	aliases := map[string]string{"kitty": "cat", "doggo": "dog"}

	// Act
	rewritten, err := c.RewriteTags(func(tag string) (string, error) {
		return aliases[tag], nil
	})

	// Assert
	if err != nil {
		t.Fatalf("RewriteTags で予期せぬエラー: %v", err)
	}
	if !rewritten.Eval(set("cat")) {
		t.Error("エイリアス解決後の式は {cat} に一致するべきです")
	}
	if rewritten.Eval(set("kitty")) {
		t.Error("エイリアス解決後の式は元のタグ名に一致してはいけません")
	}
	if !reflect.DeepEqual(rewritten.Tags(), []string{"cat", "dog"}) {
		t.Errorf("Tags() = %v", rewritten.Tags())
	}
	if !c.Eval(set("kitty")) {
		t.Error("元の Condition は変更されてはいけません")
	}
}

func TestCondition_String(t *testing.T) {
	c := MustCompile("a | b & -c")
	if got, want := c.String(), "(a | (b & -c))"; got != want {
		t.Errorf("String() = %q, 期待値 %q", got, want)
	}
}
