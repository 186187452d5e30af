package core

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"GoBooruArchiver/internal/config"
	"GoBooruArchiver/internal/storage"
)

// VerificationResult は検証結果を表します。
type VerificationResult struct {
	TotalChecked   int
	TotalMissing   int
	TotalCorrupted int
	TotalRepaired  int
	MissingDetails []string
}

// RunVerification は、パス台帳にダウンロード済みとして記録されたファイルが
// ディスク上に存在し、空でないことを確認します。
// repair が true の場合、空のファイルを削除し、欠損・破損したパスを台帳から消して次回の実行で再取得させます。
func RunVerification(ctx context.Context, cfg *config.Config, repair bool, logger *log.Logger) (VerificationResult, error) {
	logger.Println("検証モードを開始します...")
	if repair {
		logger.Println("修復モード: 有効 (欠損・破損ファイルを次回の実行で再ダウンロードします)")
	} else {
		logger.Println("修復モード: 無効 (検証のみ行います)")
	}

	db, err := storage.Open(filepath.Join(cfg.Settings.StateDir, RegistryDir), logger)
	if err != nil {
		return VerificationResult{}, err
	}
	defer db.Close()

	result, err := verifyRegistry(ctx, storage.NewPathRegistry(db), repair, logger)
	if err != nil {
		return result, err
	}

	logger.Println("========================================")
	logger.Println("検証完了")
	logger.Printf("チェック済みファイル数: %d", result.TotalChecked)
	logger.Printf("欠損: %d", result.TotalMissing)
	logger.Printf("破損 (サイズ0): %d", result.TotalCorrupted)
	if repair {
		logger.Printf("修復: %d", result.TotalRepaired)
	}
	if len(result.MissingDetails) > 0 {
		logger.Println("詳細:")
		for _, detail := range result.MissingDetails {
			logger.Println(detail)
		}
	}
	logger.Println("========================================")
	return result, nil
}

func verifyRegistry(ctx context.Context, registry *storage.PathRegistry, repair bool, logger *log.Logger) (VerificationResult, error) {
	result := VerificationResult{}
	var broken []string

	err := registry.Downloaded(func(path string, id int64) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		result.TotalChecked++

		info, err := os.Stat(path)
		switch {
		case err != nil:
			result.TotalMissing++
			result.MissingDetails = append(result.MissingDetails, fmt.Sprintf("[%d] 消失: %s", id, path))
			broken = append(broken, path)
		case info.Size() == 0:
			logger.Printf("WARNING: 投稿 %d のファイル %s がサイズ0です", id, path)
			result.TotalCorrupted++
			result.MissingDetails = append(result.MissingDetails, fmt.Sprintf("[%d] 破損ファイル: %s", id, path))
			broken = append(broken, path)
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("パス台帳の走査に失敗しました: %w", err)
	}

	if !repair {
		return result, nil
	}
	for _, path := range broken {
		if info, err := os.Stat(path); err == nil && info.Size() == 0 {
			if err := os.Remove(path); err != nil {
				logger.Printf("WARNING: 破損ファイルの削除に失敗しました (%s): %v", path, err)
				continue
			}
		}
		if err := registry.Forget(path); err != nil {
			logger.Printf("WARNING: 台帳からの削除に失敗しました (%s): %v", path, err)
			continue
		}
		result.TotalRepaired++
	}
	return result, nil
}
