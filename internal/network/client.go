// Package network は、HTTP通信に関する機能を提供します。
// Cookie Jarによるセッション管理、ホストごとのレート制限、Basic認証、
// アンチボットのチャレンジ検出とリトライをカプセル化した HTTP クライアントを実装しています。
package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"GoBooruArchiver/internal/config"
)

// ErrNotFound は、リモートにファイルや投稿が存在しない (404/410) ことを表します。
// 項目単位で回復可能なエラーで、呼び出し側はその項目を飛ばします。
var ErrNotFound = errors.New("リモートに存在しません")

// HTTPError は、HTTPリクエストで発生したエラーとステータスコードを保持します。
type HTTPError struct {
	StatusCode int
	URL        string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s (URL: %s)", e.StatusCode, e.Message, e.URL)
}

// IsRetryable は、このエラーがリトライ可能かどうかを判定します。
// 4xxエラー（クライアントエラー）はリトライ不可、5xxエラー（サーバーエラー）はリトライ可能とします。
// 429 Too Many Requests は例外的にリトライ可能です。
func (e *HTTPError) IsRetryable() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return false
	}
	return true
}

// Is は 404/410 を ErrNotFound として扱えるようにします。
func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && (e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone)
}

// ChallengeHandler はチャレンジを解決します（例: クリアランス Cookie を SetCookie で設定する）。
// nil を返すと元のリクエストが再送されます。
type ChallengeHandler func(ctx context.Context, c *Client, challenge *ChallengeError) error

// maxChallengeAttempts は1リクエストあたりのチャレンジ解決の試行回数です。
const maxChallengeAttempts = 3

// Client は、Cookie Jarを内包し、HTTPセッションを管理するクライアントです。
type Client struct {
	httpClient         *http.Client
	jar                *cookiejar.Jar
	userAgent          string
	defaultHeaders     map[string]string
	rateLimiters       map[string]*rate.Limiter // ホスト名ごとのレートリミッター
	rateLimitersMutex  sync.Mutex               // rateLimitersへのアクセスを保護するMutex
	perDomainIntervals map[string]int           // ドメインごとの設定間隔

	apiHost   string
	login     string
	apiKey    string
	retry     int
	retryWait time.Duration

	// readTimeout はボディの受信が止まってから転送を打ち切るまでの時間です。
	readTimeout time.Duration

	challengeMu      sync.Mutex
	challengeHandler ChallengeHandler

	retries atomic.Int64
	logger  *log.Logger
}

// NewClient は NetworkSettings に基づいて HTTP クライアントを初期化し、
// ドメインごとのレートリミッターを設定します。
func NewClient(settings config.NetworkSettings, logger *log.Logger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jarの作成に失敗しました: %w", err)
	}

	// RequestTimeoutMillisをtime.Durationに変換
	timeout := time.Duration(settings.RequestTimeoutMillis) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second // デフォルトタイムアウト
	}

	// ボディ転送中のタイムアウトは idleTimeoutReader が読み取りごとに管理するため、クライアント全体には設定しない
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	httpClient := &http.Client{
		Jar:       jar,
		Transport: transport,
	}

	// ドメインごとのレートリミッターを構築
	rateLimiters := make(map[string]*rate.Limiter)
	for domain, intervalMillis := range settings.PerDomainIntervalMillis {
		if intervalMillis <= 0 {
			continue
		}
		// intervalMillis 毎に 1 リクエストを許可する limiter
		rateLimiters[domain] = rate.NewLimiter(rate.Every(time.Duration(intervalMillis)*time.Millisecond), 1)
	}

	apiHost := ""
	if u, err := url.Parse(settings.BaseURL); err == nil {
		apiHost = u.Hostname()
	}

	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Client{
		httpClient:         httpClient,
		jar:                jar,
		userAgent:          settings.UserAgent,
		defaultHeaders:     settings.DefaultHeaders,
		rateLimiters:       rateLimiters,
		perDomainIntervals: settings.PerDomainIntervalMillis,
		apiHost:            apiHost,
		login:              settings.Login,
		apiKey:             settings.APIKey,
		retry:              settings.RetryCount,
		retryWait:          time.Duration(settings.RetryWaitMillis) * time.Millisecond,
		readTimeout:        timeout,
		logger:             logger,
	}, nil
}

// SetCookie は、指定されたURLのドメインに対して、任意のCookieを設定します。
func (c *Client) SetCookie(domainURL string, cookie *http.Cookie) error {
	if !strings.HasPrefix(domainURL, "http") {
		domainURL = "https://" + domainURL
	}

	parsedURL, err := url.Parse(domainURL)
	if err != nil {
		return fmt.Errorf("Cookie設定のためのURL解析に失敗しました: %w", err)
	}

	c.jar.SetCookies(parsedURL, []*http.Cookie{cookie})
	return nil
}

// SetChallengeHandler はチャレンジ検出時に呼び出すハンドラを設定します。
// nil の場合、チャレンジは ChallengeError として呼び出し側に返されます。
func (c *Client) SetChallengeHandler(h ChallengeHandler) {
	c.challengeMu.Lock()
	defer c.challengeMu.Unlock()
	c.challengeHandler = h
}

// Retries はこれまでに行ったリトライの回数を返します。
func (c *Client) Retries() int64 {
	return c.retries.Load()
}

// Get は、設定済みのCookieを使って指定されたURLにGETリクエストを送信し、
// レスポンスボディを返します。リトライは行いません。
func (c *Client) Get(ctx context.Context, reqURL string) ([]byte, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := c.do(attemptCtx, reqURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	reader := newIdleTimeoutReader(resp.Body, c.readTimeout, cancel)
	defer reader.Stop()

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み込みに失敗しました (%s): %w", reqURL, err)
	}
	return body, nil
}

// GetJSON は reqURL の JSON を v にデコードします。
// 5xx やネットワークエラーは retry_count 回まで retry_wait_ms 間隔でリトライします。
// 404/410 は ErrNotFound を満たすエラーを返します。
func (c *Client) GetJSON(ctx context.Context, reqURL string, v any) error {
	return c.withRetry(ctx, reqURL, func() error {
		body, err := c.Get(ctx, reqURL)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, v); err != nil {
			return fmt.Errorf("JSONのデコードに失敗しました (%s): %w", reqURL, err)
		}
		return nil
	})
}

// withRetry は fn をリトライ付きで実行します。
func (c *Client) withRetry(ctx context.Context, reqURL string, fn func() error) error {
	var lastErr error
	for i := 0; i <= c.retry; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err() // コンテキストがキャンセルされたら即座に終了
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var httpErr *HTTPError
		var challenge *ChallengeError
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			if ctx.Err() != nil {
				return err
			}
		case errors.As(err, &challenge):
			return err
		case errors.As(err, &httpErr):
			// リトライ不可能なエラー（404など）の場合は即座に失敗
			if !httpErr.IsRetryable() {
				return err
			}
			c.logger.Printf("WARNING: リクエスト失敗（リトライ可能、HTTP %d、試行 %d/%d）: url=%s", httpErr.StatusCode, i+1, c.retry+1, reqURL)
		default:
			c.logger.Printf("WARNING: リクエスト失敗（ネットワークエラー、試行 %d/%d）: url=%s, error=%v", i+1, c.retry+1, reqURL, err)
		}

		// 最後のリトライでなければ待機
		if i < c.retry {
			c.retries.Add(1)
			if err := sleep(ctx, c.retryWait*time.Duration(i+1)); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("リトライ上限に達しました (url=%s, retry_count=%d): %w", reqURL, c.retry, lastErr)
}

// do はレート制限、ヘッダ、認証を適用してリクエストを送信します。
// 2xx 以外は HTTPError（チャレンジの場合は ChallengeError）として返し、ボディは閉じられます。
// チャレンジが検出されハンドラが設定されている場合は、解決後に同じリクエストを再送します。
func (c *Client) do(ctx context.Context, reqURL string, header http.Header) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := c.send(ctx, reqURL, header)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		challenge := detectChallenge(resp, reqURL)
		resp.Body.Close()
		if challenge == nil {
			return nil, &HTTPError{
				StatusCode: resp.StatusCode,
				URL:        reqURL,
				Message:    http.StatusText(resp.StatusCode),
			}
		}

		c.challengeMu.Lock()
		handler := c.challengeHandler
		c.challengeMu.Unlock()
		if handler == nil || attempt >= maxChallengeAttempts {
			return nil, challenge
		}
		c.logger.Printf("WARNING: アンチボットのチャレンジを検出しました (%s)。解決を試みます", reqURL)
		if err := handler(ctx, c, challenge); err != nil {
			return nil, fmt.Errorf("チャレンジの解決に失敗しました: %w", err)
		}
	}
}

func (c *Client) send(ctx context.Context, reqURL string, header http.Header) (*http.Response, error) {
	parsedURL, err := url.Parse(reqURL)
	if err != nil {
		return nil, fmt.Errorf("リクエストURLの解析に失敗しました (%s): %w", reqURL, err)
	}

	// ドメインごとのレートリミッターを取得し、待機
	host := parsedURL.Hostname()
	if limiter := c.getLimiterForHost(host); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("レートリミッター待機中にエラーが発生しました: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("GETリクエストの作成に失敗しました (%s): %w", reqURL, err)
	}

	// デフォルトヘッダーを全て設定
	for key, value := range c.defaultHeaders {
		req.Header.Set(key, value)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	// User-Agentも設定
	req.Header.Set("User-Agent", c.userAgent)

	if host == c.apiHost && c.login != "" && c.apiKey != "" {
		req.SetBasicAuth(c.login, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GETリクエストの送信に失敗しました (%s): %w", reqURL, err)
	}
	return resp, nil
}

// getLimiterForHost は、指定されたホスト名に対応するレートリミッターを返します。
// API ホストは設定がなくても既定の1000ms間隔で制限し、それ以外のホストは設定がある場合のみ制限します。
func (c *Client) getLimiterForHost(host string) *rate.Limiter {
	c.rateLimitersMutex.Lock()
	defer c.rateLimitersMutex.Unlock()

	if limiter, exists := c.rateLimiters[host]; exists {
		return limiter
	}
	if host != c.apiHost {
		return nil
	}

	intervalMillis := 1000 // デフォルト1秒
	if val, ok := c.perDomainIntervals[host]; ok && val > 0 {
		intervalMillis = val
	}

	newLimiter := rate.NewLimiter(rate.Every(time.Duration(intervalMillis)*time.Millisecond), 1) // バーストは1に設定
	c.rateLimiters[host] = newLimiter
	return newLimiter
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
