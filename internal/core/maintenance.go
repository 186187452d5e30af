package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"GoBooruArchiver/internal/adapter"
	"GoBooruArchiver/internal/atomicfile"
	"GoBooruArchiver/internal/config"
	"GoBooruArchiver/internal/model"
	"GoBooruArchiver/internal/naming"
	"GoBooruArchiver/internal/network"
	"GoBooruArchiver/internal/storage"
)

// FinishPartialDownloads は root 以下に残っている途中ファイル (*.request) を探し、
// ファイル名の投稿IDからURLを引き直して転送を再開します。再開できた件数を返します。
// リモートに存在しない投稿の途中ファイルは削除されます。
func FinishPartialDownloads(ctx context.Context, source adapter.SiteAdapter, dl Downloader, registry *storage.PathRegistry, root string, logger *log.Logger) (int, error) {
	var partials []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() && naming.IsPartial(path) {
			partials = append(partials, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("途中ファイルの検索に失敗しました (root=%s): %w", root, err)
	}

	batch := registry.Begin()
	finished := 0
	for _, partial := range partials {
		if err := ctx.Err(); err != nil {
			return finished, err
		}
		logger.Printf("INFO: 途中ファイル %s が見つかりました", filepath.Base(partial))

		dest := strings.TrimSuffix(partial, "."+naming.PartialExt)
		id, ok := naming.ParseID(filepath.Base(dest))
		if !ok {
			logger.Printf("WARNING: ファイル名から投稿IDを取得できません。スキップします: %s", partial)
			continue
		}

		post, err := source.KnownPost(ctx, id)
		if err != nil {
			if errors.Is(err, network.ErrNotFound) {
				logger.Printf("WARNING: 投稿 %d はリモートに存在しません。途中ファイルを削除します", id)
				os.Remove(partial)
				continue
			}
			return finished, err
		}
		if post.FileURL == "" {
			logger.Printf("WARNING: 投稿 %d のファイルURLを取得できません。スキップします", id)
			continue
		}

		if _, err := dl.Download(ctx, post.FileURL, dest); err != nil {
			if errors.Is(err, network.ErrNotFound) {
				logger.Printf("WARNING: 投稿 %d のファイルはリモートに存在しません: %v", id, err)
				continue
			}
			return finished, err
		}
		batch.MarkDownloaded(dest, id)
		finished++
	}

	if err := batch.Commit(); err != nil {
		return finished, err
	}
	return finished, nil
}

// Prune は、前回の実行までに把握していて今回の実行で配置されなかったファイルを削除します。
// ダウンロード履歴は残るため、no_redownload の判定には影響しません。
func Prune(registry *storage.PathRegistry, logger *log.Logger) (int, error) {
	stale, err := registry.Stale()
	if err != nil {
		return 0, fmt.Errorf("削除対象の取得に失敗しました: %w", err)
	}

	removed := 0
	for _, path := range stale {
		if err := os.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			logger.Printf("WARNING: ファイルの削除に失敗しました (%s): %v", path, err)
			continue
		}
		logger.Printf("INFO: 設定から外れたファイルを削除しました: %s", path)
		removed++
	}
	return removed, nil
}

// PoolsConfigFile は pool_download_generate で生成される設定ファイル名です。
const PoolsConfigFile = "pools_config.json"

type poolsConfigDestination struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

type poolsConfigDefaults struct {
	Days     int      `json:"days"`
	MinScore int      `json:"min_score"`
	MinFavs  int      `json:"min_favs"`
	Ratings  []string `json:"ratings"`
}

type poolsConfig struct {
	ConfigVersion string                   `json:"config_version"`
	Settings      config.Settings          `json:"settings"`
	Defaults      poolsConfigDefaults      `json:"defaults"`
	Destinations  []poolsConfigDestination `json:"destinations"`
}

// WritePoolsConfig は、これまでにプール配下へ保存したディレクトリごとに
// プール全体を取得する保存先を並べた設定ファイルを書き出します。
func WritePoolsConfig(path string, pools *storage.PoolIndex, settings config.Settings) (int, error) {
	out := poolsConfig{
		ConfigVersion: "1.0",
		Settings:      settings,
		Defaults: poolsConfigDefaults{
			Days:     365000,
			MinScore: -2147483647,
			MinFavs:  0,
			Ratings:  []string{"s", "q", "e"},
		},
	}
	out.Settings.PoolDownloadGenerate = false

	for _, id := range pools.IDs() {
		tag := model.PoolTagPrefix + strconv.FormatInt(id, 10)
		for _, dir := range pools.Dirs(id) {
			out.Destinations = append(out.Destinations, poolsConfigDestination{Name: dir, Tags: []string{tag}})
		}
	}
	if err := atomicfile.WriteJSON(path, out); err != nil {
		return 0, fmt.Errorf("プール用設定ファイルの書き出しに失敗しました: %w", err)
	}
	return len(out.Destinations), nil
}
