// Package condition は、設定ファイルの condition 行（タグの論理式）を
// 解析し、タグ集合に対して評価可能な述語へコンパイルします。
//
// 構文:
//
//	tag            タグリテラル（完全一致、ワイルドカードなし）
//	-expr          否定
//	a & b          論理積
//	a | b          論理和
//	( ... )        グループ化
//	\| \& \( \)    タグ名の一部としての演算子文字
//
// 優先順位は 否定 > 論理積 > 論理和 で、同じ演算子は左から結合します。
package condition

import (
	"fmt"
	"strings"
)

// ForbiddenChars はタグリテラルに使用できない文字です。
const ForbiddenChars = "%,#*"

// escapable はバックスラッシュでエスケープできる文字です。
const escapable = "|&()"

// SyntaxError は condition 行の構文エラーを表します。
type SyntaxError struct {
	Line string
	Pos  int // 0始まりの文字位置。位置が特定できない場合は -1
	Msg  string
}

func (e *SyntaxError) Error() string {
	if e.Pos < 0 {
		return fmt.Sprintf("condition構文エラー: %s (condition=%q)", e.Msg, e.Line)
	}
	return fmt.Sprintf("condition構文エラー: %s (位置 %d, condition=%q)", e.Msg, e.Pos+1, e.Line)
}

// Condition はコンパイル済みの条件式です。並行に評価しても安全です。
type Condition struct {
	source string
	root   node
	tags   []string
}

// Compile は condition 行を解析し、評価可能な Condition を返します。
// 禁止文字、不正なエスケープ、括弧の不一致、式として成立しない並びはすべてエラーです。
func Compile(line string) (*Condition, error) {
	toks, err := tokenize(line)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, &SyntaxError{Line: line, Pos: -1, Msg: "式が空です"}
	}

	p := &parser{line: line, toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		t := p.peek()
		if t.kind == tokRParen {
			return nil, &SyntaxError{Line: line, Pos: t.pos, Msg: "対応する '(' がない ')' があります"}
		}
		return nil, &SyntaxError{Line: line, Pos: t.pos, Msg: fmt.Sprintf("'%s' の前に演算子が必要です", t.text)}
	}

	c := &Condition{source: line, root: root, tags: literals(toks)}

	// 空のタグ集合で一度評価し、式全体が成立することを確認する
	if err := c.dryRun(); err != nil {
		return nil, err
	}
	return c, nil
}

// MustCompile は Compile と同じですが、エラー時に panic します。テストと固定式用です。
func MustCompile(line string) *Condition {
	c, err := Compile(line)
	if err != nil {
		panic(err)
	}
	return c
}

// Tags は式に現れるタグリテラルを出現順（重複なし）で返します。
func (c *Condition) Tags() []string {
	out := make([]string, len(c.tags))
	copy(out, c.tags)
	return out
}

// Eval はタグ集合に対して式を評価します。
func (c *Condition) Eval(tags map[string]struct{}) bool {
	return c.root.eval(tags)
}

// Source はコンパイル元の condition 行を返します。
func (c *Condition) Source() string {
	return c.source
}

// String は解析結果を完全に括弧付けした形で返します。
func (c *Condition) String() string {
	return c.root.String()
}

// RewriteTags は各タグリテラルを fn の結果に置き換えた新しい Condition を返します。
// タグのエイリアス解決に使用します。
func (c *Condition) RewriteTags(fn func(string) (string, error)) (*Condition, error) {
	mapping := make(map[string]string, len(c.tags))
	tags := make([]string, 0, len(c.tags))
	seen := make(map[string]bool, len(c.tags))
	for _, t := range c.tags {
		resolved, err := fn(t)
		if err != nil {
			return nil, err
		}
		mapping[t] = resolved
		if !seen[resolved] {
			seen[resolved] = true
			tags = append(tags, resolved)
		}
	}
	return &Condition{source: c.source, root: rewrite(c.root, mapping), tags: tags}, nil
}

func (c *Condition) dryRun() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SyntaxError{Line: c.source, Pos: -1, Msg: fmt.Sprintf("式を評価できません: %v", r)}
		}
	}()
	c.root.eval(map[string]struct{}{})
	return nil
}

func literals(toks []token) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range toks {
		if t.kind == tokTag && !seen[t.text] {
			seen[t.text] = true
			out = append(out, t.text)
		}
	}
	return out
}

// --- AST ---

type node interface {
	eval(tags map[string]struct{}) bool
	String() string
}

type literal struct{ tag string }

func (n literal) eval(tags map[string]struct{}) bool {
	_, ok := tags[n.tag]
	return ok
}

func (n literal) String() string { return n.tag }

type notNode struct{ x node }

func (n notNode) eval(tags map[string]struct{}) bool { return !n.x.eval(tags) }

func (n notNode) String() string { return "-" + n.x.String() }

type andNode struct{ l, r node }

func (n andNode) eval(tags map[string]struct{}) bool { return n.l.eval(tags) && n.r.eval(tags) }

func (n andNode) String() string { return "(" + n.l.String() + " & " + n.r.String() + ")" }

type orNode struct{ l, r node }

func (n orNode) eval(tags map[string]struct{}) bool { return n.l.eval(tags) || n.r.eval(tags) }

func (n orNode) String() string { return "(" + n.l.String() + " | " + n.r.String() + ")" }

func rewrite(n node, mapping map[string]string) node {
	switch v := n.(type) {
	case literal:
		return literal{tag: mapping[v.tag]}
	case notNode:
		return notNode{x: rewrite(v.x, mapping)}
	case andNode:
		return andNode{l: rewrite(v.l, mapping), r: rewrite(v.r, mapping)}
	case orNode:
		return orNode{l: rewrite(v.l, mapping), r: rewrite(v.r, mapping)}
	}
	return n
}

// --- トークナイザ ---

type tokKind int

const (
	tokTag tokKind = iota
	tokNot
	tokAnd
	tokOr
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func tokenize(line string) ([]token, error) {
	var (
		toks    []token
		buf     strings.Builder
		bufPos  = -1
		escaped bool
	)
	runes := []rune(line)

	flush := func() {
		if buf.Len() > 0 {
			toks = append(toks, token{kind: tokTag, text: buf.String(), pos: bufPos})
			buf.Reset()
		}
		bufPos = -1
	}
	add := func(r rune, pos int) {
		if buf.Len() == 0 {
			bufPos = pos
		}
		buf.WriteRune(r)
	}

	for i, r := range runes {
		if escaped {
			escaped = false
			if !strings.ContainsRune(escapable, r) {
				return nil, &SyntaxError{Line: line, Pos: i, Msg: fmt.Sprintf("エスケープできるのは '%s' のみです", escapable)}
			}
			add(r, i-1)
			continue
		}

		switch {
		case r == '\\':
			escaped = true
		case strings.ContainsRune(ForbiddenChars, r):
			return nil, &SyntaxError{Line: line, Pos: i, Msg: fmt.Sprintf("文字 '%s' は使用できません", ForbiddenChars)}
		case r == ' ' || r == '\t':
			flush()
		case r == '-' && buf.Len() > 0:
			// タグ途中のハイフンはタグ名の一部
			add(r, i)
		case r == '-':
			toks = append(toks, token{kind: tokNot, text: "-", pos: i})
		case r == '&':
			flush()
			toks = append(toks, token{kind: tokAnd, text: "&", pos: i})
		case r == '|':
			flush()
			toks = append(toks, token{kind: tokOr, text: "|", pos: i})
		case r == '(':
			flush()
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
		case r == ')':
			flush()
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
		case r == '~' && buf.Len() == 0:
			return nil, &SyntaxError{Line: line, Pos: i, Msg: "'~' はタグの先頭に置けません"}
		default:
			add(r, i)
		}
	}
	if escaped {
		return nil, &SyntaxError{Line: line, Pos: len(runes) - 1, Msg: "行末のバックスラッシュはエスケープとして不正です"}
	}
	flush()
	return toks, nil
}

// --- パーサ（再帰下降） ---

type parser struct {
	line string
	toks []token
	i    int
}

func (p *parser) done() bool { return p.i >= len(p.toks) }

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	p.i++
	return t
}

func (p *parser) endPos() int { return len([]rune(p.line)) }

func (p *parser) at(k tokKind) bool { return !p.done() && p.peek().kind == k }

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.at(tokOr) {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.at(tokAnd) {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.at(tokNot) {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{x: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	if p.done() {
		return nil, &SyntaxError{Line: p.line, Pos: p.endPos(), Msg: "式が途中で終わっています"}
	}
	t := p.next()
	switch t.kind {
	case tokTag:
		return literal{tag: t.text}, nil
	case tokLParen:
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.at(tokRParen) {
			return nil, &SyntaxError{Line: p.line, Pos: t.pos, Msg: "'(' が閉じられていません"}
		}
		p.next()
		return x, nil
	default:
		return nil, &SyntaxError{Line: p.line, Pos: t.pos, Msg: fmt.Sprintf("タグが必要な位置に '%s' があります。'\\%s' でエスケープしてください", t.text, t.text)}
	}
}
