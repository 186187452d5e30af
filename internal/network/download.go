package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"GoBooruArchiver/internal/naming"
)

// Download は reqURL を destPath に保存し、転送したバイト数を返します。
//
// 転送中は <destPath>.request に書き込み、完了時にのみ destPath へリネームします。
// 前回の途中ファイルが残っている場合は、そのサイズから Range リクエストで再開します。
// 404/410 は ErrNotFound を満たすエラーを返し、途中ファイルは削除されます。
// 5xx やネットワークエラーは retry_count 回までリトライします。
func (c *Client) Download(ctx context.Context, reqURL, destPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return 0, fmt.Errorf("保存先ディレクトリの作成に失敗しました (%s): %w", filepath.Dir(destPath), err)
	}
	partial := naming.PartialName(destPath)

	var total int64
	err := c.withRetry(ctx, reqURL, func() error {
		n, err := c.downloadOnce(ctx, reqURL, partial)
		total += n
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			os.Remove(partial)
		}
		return total, err
	}

	if err := os.Rename(partial, destPath); err != nil {
		return total, fmt.Errorf("ダウンロード済みファイルのリネームに失敗しました (%s): %w", destPath, err)
	}
	return total, nil
}

// downloadOnce は1回分の転送を行います。途中で失敗した場合も書き込めた分は途中ファイルに残ります。
func (c *Client) downloadOnce(ctx context.Context, reqURL, partial string) (int64, error) {
	var offset int64
	if info, err := os.Stat(partial); err == nil {
		offset = info.Size()
	}

	header := http.Header{}
	if offset > 0 {
		header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := c.do(attemptCtx, reqURL, header)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0 {
			// 途中ファイルが既に完全
			return 0, nil
		}
		return 0, err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 && resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		// サーバーが Range を無視した場合は最初から書き直す
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(partial, flags, 0644)
	if err != nil {
		return 0, fmt.Errorf("途中ファイルを開けませんでした (%s): %w", partial, err)
	}

	body := newIdleTimeoutReader(resp.Body, c.readTimeout, cancel)
	n, copyErr := io.Copy(f, body)
	body.Stop()
	closeErr := f.Close()
	if copyErr != nil {
		return n, fmt.Errorf("ダウンロード中に転送が中断しました (%s, %d bytes): %w", reqURL, n, copyErr)
	}
	if closeErr != nil {
		return n, fmt.Errorf("途中ファイルの書き込みに失敗しました (%s): %w", partial, closeErr)
	}
	if resp.ContentLength >= 0 && n < resp.ContentLength {
		return n, fmt.Errorf("ダウンロードが途中で終了しました (%s): %d / %d bytes", reqURL, n, resp.ContentLength)
	}
	return n, nil
}

// ErrReadTimeout は、レスポンスボディの受信が request_timeout_ms の間止まったことを表します。
// 一時的なネットワークエラーとしてリトライされます。
var ErrReadTimeout = errors.New("レスポンスボディの受信がタイムアウトしました")

// idleTimeoutReader は、読み取りが timeout の間進まなければ cancel でリクエストを打ち切ります。
// データを受信するたびにタイマーを延長します。
type idleTimeoutReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleTimeoutReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutReader {
	ir := &idleTimeoutReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.expired.Store(true)
		cancel()
	})
	return ir
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if r.expired.Load() {
		return n, ErrReadTimeout
	}
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

// Stop はタイマーを止めます。
func (r *idleTimeoutReader) Stop() {
	r.timer.Stop()
}
