package network

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ChallengeError は、アンチボットの中間ページ（チャレンジ）が返されたことを表します。
// エラーではなく、ChallengeHandler による解決後に元のリクエストが再送されます。
type ChallengeError struct {
	URL        string
	StatusCode int
	Title      string
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("アンチボットのチャレンジが必要です (HTTP %d, title=%q, URL: %s)", e.StatusCode, e.Title, e.URL)
}

// challengeSelectors はチャレンジページに特有の要素です。
var challengeSelectors = strings.Join([]string{
	"#challenge-form",
	"#challenge-running",
	"#cf-challenge-running",
	".cf-browser-verification",
	"#cf-please-wait",
	"#ddg-captcha",
	"iframe[src*='captcha']",
}, ", ")

var challengeTitles = []string{
	"just a moment",
	"attention required",
	"ddos-guard",
	"checking your browser",
}

// maxChallengeBody はチャレンジ判定のために読むボディの上限です。
const maxChallengeBody = 512 << 10

// detectChallenge はエラーレスポンスがチャレンジページかどうかを判定します。
// resp.Body は読み進められるため、呼び出し後は閉じるだけにしてください。
func detectChallenge(resp *http.Response, reqURL string) *ChallengeError {
	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusServiceUnavailable, http.StatusTooManyRequests:
	default:
		return nil
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxChallengeBody))
	if err != nil {
		return nil
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	lowerTitle := strings.ToLower(title)
	matched := doc.Find(challengeSelectors).Length() > 0
	for _, t := range challengeTitles {
		if strings.Contains(lowerTitle, t) {
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}
	return &ChallengeError{URL: reqURL, StatusCode: resp.StatusCode, Title: title}
}

// PromptCookieHandler は、ブラウザで取得したクリアランス Cookie を
// "name=value" 形式で in から読み取り、チャレンジが出たURLのドメインに設定する ChallengeHandler を返します。
func PromptCookieHandler(in io.Reader, out io.Writer) ChallengeHandler {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, c *Client, challenge *ChallengeError) error {
		fmt.Fprintf(out, "\nアンチボットのチャレンジが表示されました: %s\n", challenge.URL)
		fmt.Fprintln(out, "ブラウザでページを開いて認証し、Cookie を name=value 形式で入力してください:")

		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("Cookie の読み取りに失敗しました: %w", err)
		}
		name, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || name == "" {
			return fmt.Errorf("Cookie の形式が不正です: %q", line)
		}

		u, err := url.Parse(challenge.URL)
		if err != nil {
			return err
		}
		return c.SetCookie(u.Scheme+"://"+u.Host, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
}
