package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"GoBooruArchiver/internal/condition"
	"GoBooruArchiver/internal/naming"
)

// 設定ファイルの形式
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

const compatibleVersion = "1.0"

// destinationPatch は、保存先設定をデコードするための中間ヘルパー構造体です。
// 未指定の項目を区別するため、すべてポインタで保持します。
type destinationPatch struct {
	Enabled       *bool    `json:"enabled,omitempty" yaml:"enabled"`
	Name          *string  `json:"name,omitempty" yaml:"name"`
	UseTemplate   string   `json:"use_template,omitempty" yaml:"use_template"`
	Tags          *TagList `json:"tags,omitempty" yaml:"tags"`
	Condition     *string  `json:"condition,omitempty" yaml:"condition"`
	Blacklist     *TagList `json:"blacklist,omitempty" yaml:"blacklist"`
	Days          *int     `json:"days,omitempty" yaml:"days"`
	Ratings       *TagList `json:"ratings,omitempty" yaml:"ratings"`
	MinScore      *int     `json:"min_score,omitempty" yaml:"min_score"`
	MinFavs       *int     `json:"min_favs,omitempty" yaml:"min_favs"`
	MaxDownloads  *int     `json:"max_downloads,omitempty" yaml:"max_downloads"`
	Format        *string  `json:"format,omitempty" yaml:"format"`
	Subfolders    *TagList `json:"subfolders,omitempty" yaml:"subfolders"`
	SubfolderOnly *bool    `json:"subfolder_only,omitempty" yaml:"subfolder_only"`
	Pools         *string  `json:"pools,omitempty" yaml:"pools"`
	PostSource    *string  `json:"post_source,omitempty" yaml:"post_source"`
}

type prefilterPatch struct {
	Name      string  `json:"name" yaml:"name"`
	Tags      TagList `json:"tags" yaml:"tags"`
	Condition string  `json:"condition,omitempty" yaml:"condition"`
	Days      *int    `json:"days,omitempty" yaml:"days"`
}

// rawConfig は、設定ファイルを直接デコードするための中間構造体です。
type rawConfig struct {
	ConfigVersion        string                      `json:"config_version" yaml:"config_version"`
	Network              NetworkSettings             `json:"network" yaml:"network"`
	Settings             Settings                    `json:"settings" yaml:"settings"`
	Defaults             destinationPatch            `json:"defaults" yaml:"defaults"`
	Blacklist            TagList                     `json:"blacklist" yaml:"blacklist"`
	Prefilters           []prefilterPatch            `json:"prefilters" yaml:"prefilters"`
	DestinationTemplates map[string]destinationPatch `json:"destination_templates" yaml:"destination_templates"`
	Destinations         []destinationPatch          `json:"destinations" yaml:"destinations"`
}

// DefaultNetwork は network セクションの既定値です。
func DefaultNetwork() NetworkSettings {
	return NetworkSettings{
		Site:                    "e621",
		BaseURL:                 "https://e621.net",
		UserAgent:               "GoBooruArchiver/1.0",
		DefaultHeaders:          map[string]string{},
		PerDomainIntervalMillis: map[string]int{"e621.net": 500},
		RequestTimeoutMillis:    15500,
		RetryCount:              3,
		RetryWaitMillis:         2000,
	}
}

// DefaultSettings は settings セクションの既定値です。
func DefaultSettings() Settings {
	return Settings{
		DownloadRoot:           "downloads",
		StateDir:               ".",
		MaxConcurrentDownloads: 2,
	}
}

// DefaultDestination は defaults セクションが何も指定しない場合の保存先の既定値です。
func DefaultDestination() Destination {
	return Destination{
		Days:         1,
		Ratings:      []string{"s"},
		MinScore:     -2147483647,
		MinFavs:      0,
		MaxDownloads: Unbounded,
		Pools:        PoolsNone,
		PostSource:   SourceAPI,
	}
}

// FormatFromPath は拡張子から設定ファイルの形式を判定します。
func FormatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// LoadAndResolve は、指定されたパスから設定ファイルを読み込み、
// defaults とテンプレートを解決して最終的な設定を返します。
// 設定ファイルと同じディレクトリに .env があれば、認証情報を環境変数から補います。
func LoadAndResolve(path string) (*Config, error) {
	absPath, _ := filepath.Abs(path)
	cwd, _ := os.Getwd()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイル '%s' の読み込みに失敗しました (Abs: '%s', Cwd: '%s'): %w", path, absPath, cwd, err)
	}

	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf(".env '%s' の読み込みに失敗しました: %w", envPath, err)
	}

	cfg, err := ParseAndResolve(data, FormatFromPath(path))
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	applyEnv(cfg)
	return cfg, nil
}

// applyEnv は、設定ファイルで未指定の認証情報を環境変数から補います。
func applyEnv(cfg *Config) {
	if cfg.Network.Login == "" {
		cfg.Network.Login = os.Getenv("E621_LOGIN")
	}
	if cfg.Network.APIKey == "" {
		cfg.Network.APIKey = os.Getenv("E621_API_KEY")
	}
	if ua := os.Getenv("GBA_USER_AGENT"); ua != "" && cfg.Network.UserAgent == DefaultNetwork().UserAgent {
		cfg.Network.UserAgent = ua
	}
}

// ParseAndResolve は、設定データのバイトスライスを解析し、テンプレートを解決して最終的な設定を返します。
// この関数はテストのために分離されています。
func ParseAndResolve(data []byte, format string) (*Config, error) {
	rawCfg := rawConfig{
		Network:  DefaultNetwork(),
		Settings: DefaultSettings(),
	}
	if err := decode(data, format, &rawCfg); err != nil {
		return nil, err
	}

	if rawCfg.ConfigVersion != compatibleVersion {
		return nil, &ConfigurationError{
			Section: "config_version",
			Msg:     fmt.Sprintf("サポートされていない設定バージョン '%s' です。'%s' が必要です", rawCfg.ConfigVersion, compatibleVersion),
		}
	}

	resolvedConfig := &Config{
		ConfigVersion:        rawCfg.ConfigVersion,
		Network:              rawCfg.Network,
		Settings:             rawCfg.Settings,
		Blacklist:            rawCfg.Blacklist,
		DestinationTemplates: make(map[string]Destination, len(rawCfg.DestinationTemplates)),
		Destinations:         make([]Destination, 0, len(rawCfg.Destinations)),
		Fingerprint:          Fingerprint(data),
	}

	base := DefaultDestination()
	applyPatch(&base, &rawCfg.Defaults)

	for name, tmpl := range rawCfg.DestinationTemplates {
		resolved := base
		applyPatch(&resolved, &tmpl)
		resolvedConfig.DestinationTemplates[name] = resolved
	}

	for _, pf := range rawCfg.Prefilters {
		days := base.Days
		if pf.Days != nil {
			days = *pf.Days
		}
		resolvedConfig.Prefilters = append(resolvedConfig.Prefilters, Prefilter{
			Name:      pf.Name,
			Tags:      pf.Tags,
			Condition: pf.Condition,
			Days:      days,
		})
	}

	for i, patch := range rawCfg.Destinations {
		resolved := base
		if patch.UseTemplate != "" {
			template, ok := rawCfg.DestinationTemplates[patch.UseTemplate]
			if !ok {
				name := fmt.Sprintf("#%d", i+1)
				if patch.Name != nil {
					name = *patch.Name
				}
				return nil, &ConfigurationError{
					Section: name,
					Msg:     fmt.Sprintf("未定義のテンプレート '%s' を使用しています", patch.UseTemplate),
				}
			}
			applyPatch(&resolved, &template)
			resolved.UseTemplate = patch.UseTemplate
		}
		applyPatch(&resolved, &patch)
		resolved.OwnFilters = overridesFilters(resolved, base)
		resolvedConfig.Destinations = append(resolvedConfig.Destinations, resolved)
	}

	if err := validate(resolvedConfig); err != nil {
		return nil, err
	}
	return resolvedConfig, nil
}

// overridesFilters は d がタグ以外の絞り込み条件を defaults から変えているかどうかを返します。
func overridesFilters(d, base Destination) bool {
	return d.Days != base.Days ||
		d.MinScore != base.MinScore ||
		d.MinFavs != base.MinFavs ||
		!slices.Equal(d.Ratings, base.Ratings)
}

func decode(data []byte, format string, rawCfg *rawConfig) error {
	if format == FormatYAML {
		if err := yaml.Unmarshal(data, rawCfg); err != nil {
			return fmt.Errorf("設定ファイルのYAML解析に失敗しました: %w", err)
		}
		return nil
	}

	if err := json.Unmarshal(data, rawCfg); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError

		if errors.As(err, &syntaxErr) {
			line, col := computeLineAndColumn(data, syntaxErr.Offset)
			return fmt.Errorf("設定ファイルのJSON構文エラー (行 %d, 列 %d): %w", line, col, err)
		}
		if errors.As(err, &typeErr) {
			line, col := computeLineAndColumn(data, typeErr.Offset)
			return fmt.Errorf("設定ファイルの型エラー (行 %d, 列 %d, フィールド '%s'): 期待値 %v, 実際 %v - %w",
				line, col, typeErr.Field, typeErr.Type, typeErr.Value, err)
		}
		return fmt.Errorf("設定ファイルの解析に失敗しました: %w", err)
	}
	return nil
}

// applyPatch は、patchの非nilフィールドをtargetに上書きします。
func applyPatch(target *Destination, patch *destinationPatch) {
	if patch.Enabled != nil {
		v := *patch.Enabled
		target.Enabled = &v
	}
	if patch.Name != nil {
		target.Name = *patch.Name
	}
	if patch.Tags != nil {
		target.Tags = append([]string(nil), (*patch.Tags)...)
	}
	if patch.Condition != nil {
		target.Condition = *patch.Condition
	}
	if patch.Blacklist != nil {
		target.Blacklist = append([]string(nil), (*patch.Blacklist)...)
	}
	if patch.Days != nil {
		target.Days = *patch.Days
	}
	if patch.Ratings != nil {
		target.Ratings = append([]string(nil), (*patch.Ratings)...)
	}
	if patch.MinScore != nil {
		target.MinScore = *patch.MinScore
	}
	if patch.MinFavs != nil {
		target.MinFavs = *patch.MinFavs
	}
	if patch.MaxDownloads != nil {
		target.MaxDownloads = *patch.MaxDownloads
	}
	if patch.Format != nil {
		target.Format = *patch.Format
	}
	if patch.Subfolders != nil {
		target.Subfolders = append([]string(nil), (*patch.Subfolders)...)
	}
	if patch.SubfolderOnly != nil {
		target.SubfolderOnly = *patch.SubfolderOnly
	}
	if patch.Pools != nil {
		target.Pools = *patch.Pools
	}
	if patch.PostSource != nil {
		target.PostSource = *patch.PostSource
	}
}

// validate は解決済みの設定を検査します。
// ネットワークやファイルシステムに触れる前にすべての設定エラーを検出します。
func validate(cfg *Config) error {
	if cfg.Settings.MaxConcurrentDownloads < 1 {
		return &ConfigurationError{Section: "settings", Msg: "max_concurrent_downloads は1以上である必要があります"}
	}
	if cfg.Settings.DownloadRoot == "" {
		return &ConfigurationError{Section: "settings", Msg: "download_root が空です"}
	}

	names := make(map[string]bool)
	for _, pf := range cfg.Prefilters {
		if pf.Name == "" {
			return &ConfigurationError{Section: "prefilters", Msg: "name が指定されていないプレフィルタがあります"}
		}
		if names[pf.Name] {
			return &ConfigurationError{Section: pf.Name, Msg: "名前が重複しています"}
		}
		names[pf.Name] = true
		if err := checkCondition(pf.Name, pf.Condition); err != nil {
			return err
		}
	}

	for i, d := range cfg.Destinations {
		if d.Name == "" {
			return &ConfigurationError{Section: fmt.Sprintf("destinations[%d]", i), Msg: "name が指定されていません"}
		}
		if names[d.Name] {
			return &ConfigurationError{Section: d.Name, Msg: "名前が重複しています"}
		}
		names[d.Name] = true
	}

	for _, d := range cfg.Destinations {
		switch d.Pools {
		case PoolsNone, PoolsCopy, PoolsMove:
		default:
			return &ConfigurationError{Section: d.Name, Msg: fmt.Sprintf("pools '%s' は none / copy / move のいずれかである必要があります", d.Pools)}
		}
		switch d.PostSource {
		case SourceAPI, SourceDB:
		default:
			return &ConfigurationError{Section: d.Name, Msg: fmt.Sprintf("post_source '%s' は api / db のいずれかである必要があります", d.PostSource)}
		}
		for _, r := range d.Ratings {
			switch strings.ToLower(r) {
			case "s", "q", "e":
			default:
				return &ConfigurationError{Section: d.Name, Msg: fmt.Sprintf("不正なレーティング '%s' です (s / q / e)", r)}
			}
		}
		if d.MaxDownloads < Unbounded {
			return &ConfigurationError{Section: d.Name, Msg: "max_downloads は -1（無制限）以上である必要があります"}
		}
		if err := checkCondition(d.Name, d.Condition); err != nil {
			return err
		}
		if err := naming.ValidateFormat(d.Format); err != nil {
			return &ConfigurationError{Section: d.Name, Msg: "format が不正です", Err: err}
		}
		for _, sub := range d.Subfolders {
			if !hasDestination(cfg, sub) {
				return &ConfigurationError{Section: d.Name, Msg: fmt.Sprintf("未定義のサブフォルダ '%s' を参照しています", sub)}
			}
		}
	}
	return nil
}

func checkCondition(section, line string) error {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	if _, err := condition.Compile(line); err != nil {
		return &ConfigurationError{Section: section, Msg: "condition の構文が不正です", Err: err}
	}
	return nil
}

func hasDestination(cfg *Config, name string) bool {
	for _, d := range cfg.Destinations {
		if d.Name == name {
			return true
		}
	}
	return false
}

// computeLineAndColumn は、バイトオフセットから行番号と列番号（1始まり）を計算します。
func computeLineAndColumn(data []byte, offset int64) (int, int) {
	if offset < 0 || int(offset) > len(data) {
		return 0, 0
	}
	line := 1
	lastLineStart := 0
	for i, b := range data {
		if int64(i) == offset {
			return line, i - lastLineStart + 1
		}
		if b == '\n' {
			line++
			lastLineStart = i + 1
		}
	}
	return line, int(offset) - lastLineStart + 1
}
