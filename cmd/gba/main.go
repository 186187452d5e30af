package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"GoBooruArchiver/internal/config"
	"GoBooruArchiver/internal/core"
	"GoBooruArchiver/internal/network"
)

// configList は -config を複数回指定できるようにするフラグです。
type configList []string

func (c *configList) String() string { return strings.Join(*c, ",") }

func (c *configList) Set(v string) error {
	*c = append(*c, v)
	return nil
}

// グローバル変数
var (
	// ログファイル管理用
	logFile *os.File

	// コマンドラインフラグ
	configFiles configList
	verifyMode  *bool
	repairMode  *bool
	logFilePath *string
)

func init() {
	flag.Var(&configFiles, "config", "設定ファイルのパス (複数回指定すると順に処理します)")
	verifyMode = flag.Bool("verify", false, "検証モードで実行")
	repairMode = flag.Bool("repair", false, "検証モード時に修復を試みる")
	logFilePath = flag.String("log-file", "", "ログファイルのパス (指定するとファイルにも出力します)")
}

// main関数はGBAアプリケーションのエントリーポイントです。
func main() {
	flag.Parse()
	log.SetOutput(os.Stdout)

	if len(configFiles) == 0 {
		configFiles = configList{"config.json"}
	}

	term := core.NewTerminator(log.Default())
	term.Install()
	defer term.Stop()

	ctx := context.Background()
	runID := uuid.NewString()[:8]

	if *verifyMode {
		runVerificationMode(ctx, term, configFiles, *repairMode)
		return
	}
	if err := runBatch(ctx, term, configFiles, runID); err != nil {
		term.Fatal(err)
		return
	}
	log.Println("INFO: アプリケーションが正常に終了しました。")
}

func runVerificationMode(ctx context.Context, term *core.Terminator, paths []string, repair bool) {
	log.Println("検証モードで起動します。")
	for _, path := range paths {
		cfg, err := config.LoadAndResolve(path)
		if err != nil {
			term.Fatal(err)
			return
		}
		setupLogger(cfg)
		if _, err := core.RunVerification(ctx, cfg, repair, newConfigLogger(cfg, "verify")); err != nil {
			term.Fatal(fmt.Errorf("検証中にエラーが発生しました: %w", err))
			return
		}
	}
	log.Println("検証モードを終了します。")
}

// loadConfigs はすべての設定ファイルを読み込んで検証します。
// 1つでも不正な設定があれば、どの設定も実行する前にエラーを返します。
func loadConfigs(paths []string) ([]*config.Config, error) {
	cfgs := make([]*config.Config, 0, len(paths))
	for _, path := range paths {
		cfg, err := config.LoadAndResolve(path)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, nil
}

// runBatch は設定ファイルを順に処理します。
// 途中で中断した場合、次回は完了済みの設定を飛ばして再開します。
func runBatch(ctx context.Context, term *core.Terminator, paths []string, runID string) error {
	cfgs, err := loadConfigs(paths)
	if err != nil {
		return err
	}
	setupLogger(cfgs[0])
	progress, err := core.LoadConfigProgress(filepath.Join(cfgs[0].Settings.StateDir, core.ConfigProgressFile))
	if err != nil {
		return err
	}

	for i, cfg := range cfgs {
		if progress.IsCompleted(cfg.Fingerprint) {
			log.Printf("INFO: '%s' は処理済みのためスキップします", cfg.Path)
			continue
		}

		log.Printf("INFO: [%d/%d] '%s' を処理しています", i+1, len(cfgs), cfg.Path)
		if err := runConfig(ctx, term, cfg, newConfigLogger(cfg, runID)); err != nil {
			return err
		}
		if err := progress.MarkCompleted(cfg.Fingerprint); err != nil {
			return err
		}
	}
	return progress.Clear()
}

// runConfig は1つの設定ファイルを実行します。
// 実行中の状態は Terminator に登録され、致命的エラーやシグナルでも保存されます。
func runConfig(ctx context.Context, term *core.Terminator, cfg *config.Config, logger *log.Logger) error {
	archiver, err := core.Open(ctx, cfg, network.PromptCookieHandler(os.Stdin, os.Stdout), logger)
	if err != nil {
		return err
	}
	defer archiver.Close()

	unregister := term.Register(filepath.Base(cfg.Path), archiver.Flush)
	defer unregister()

	if err := archiver.Run(ctx); err != nil {
		// 登録を外す前に保存させる
		term.Fatal(err)
		return err
	}
	return nil
}

// newConfigLogger は設定ファイル名と実行IDを接頭辞に持つロガーを作ります。
func newConfigLogger(cfg *config.Config, runID string) *log.Logger {
	name := strings.TrimSuffix(filepath.Base(cfg.Path), filepath.Ext(cfg.Path))
	return log.New(log.Writer(), fmt.Sprintf("[%s %s] ", name, runID), log.LstdFlags)
}

// setupLogger はログ出力先を設定します。
// -log-file か settings.enable_log_file が指定されている場合、ファイルにも出力します。
func setupLogger(cfg *config.Config) {
	if *logFilePath != "" {
		toggleLogger(true, *logFilePath)
		return
	}
	toggleLogger(cfg.Settings.EnableLogFile, cfg.Settings.LogFilePath)
}

// toggleLogger はログ出力のファイル書き込みを切り替えます。
// enable: trueならファイルにも出力、falseなら標準出力のみ
// path: ログファイルのパス (空の場合は日付形式)
func toggleLogger(enable bool, path string) error {
	// 既存のログファイルがあれば閉じる
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}

	if !enable {
		log.SetOutput(os.Stdout)
		return nil
	}
	if path == "" {
		today := time.Now().Format("2006-01-02")
		path = fmt.Sprintf("gba_%s.log", today)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("WARNING: ログファイルを開けませんでした: %v", err)
		return err
	}
	logFile = f
	// 標準出力とファイルの両方に出力
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	log.Printf("INFO: ログ出力をファイル '%s' に開始しました", path)
	return nil
}
