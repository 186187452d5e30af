// Package config は、アプリケーションの設定ファイル(config.json / config.yaml)の構造定義と、
// その読み込み、解決（defaults とテンプレートのマージなど）に関する機能を提供します。
package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// 投稿の取得元
const (
	SourceAPI = "api"
	SourceDB  = "db"
)

// プール配下への配置方法
const (
	PoolsNone = "none"
	PoolsCopy = "copy"
	PoolsMove = "move"
)

// Unbounded は max_downloads が無制限であることを表します。
const Unbounded = -1

// Config は設定ファイル全体を表すルート構造体です。
type Config struct {
	ConfigVersion        string                 `json:"config_version"`
	Network              NetworkSettings        `json:"network"`
	Settings             Settings               `json:"settings"`
	Blacklist            []string               `json:"blacklist"`
	Prefilters           []Prefilter            `json:"prefilters"`
	DestinationTemplates map[string]Destination `json:"destination_templates,omitempty"`
	Destinations         []Destination          `json:"destinations"`

	// Path は読み込んだ設定ファイルのパスです。
	Path string `json:"-"`
	// Fingerprint は設定ファイル内容のハッシュです。
	Fingerprint string `json:"-"`
}

// NetworkSettings は、HTTPリクエストに関するグローバルな設定を保持します。
type NetworkSettings struct {
	Site                    string            `json:"site" yaml:"site"`
	BaseURL                 string            `json:"base_url" yaml:"base_url"`
	UserAgent               string            `json:"user_agent" yaml:"user_agent"`
	DefaultHeaders          map[string]string `json:"default_headers" yaml:"default_headers"`
	PerDomainIntervalMillis map[string]int    `json:"per_domain_interval_ms" yaml:"per_domain_interval_ms"`
	RequestTimeoutMillis    int               `json:"request_timeout_ms" yaml:"request_timeout_ms"`
	RetryCount              int               `json:"retry_count" yaml:"retry_count"`
	RetryWaitMillis         int               `json:"retry_wait_ms" yaml:"retry_wait_ms"`
	Login                   string            `json:"login,omitempty" yaml:"login"`
	APIKey                  string            `json:"api_key,omitempty" yaml:"api_key"`
}

// Settings は実行全体に関わるスイッチです。
type Settings struct {
	IncludeMD5             bool    `json:"include_md5" yaml:"include_md5"`
	MakeHardlinks          bool    `json:"make_hardlinks" yaml:"make_hardlinks"`
	MakeCache              bool    `json:"make_cache" yaml:"make_cache"`
	DB                     bool    `json:"db" yaml:"db"`
	Offline                bool    `json:"offline" yaml:"offline"`
	PruneDownloads         bool    `json:"prune_downloads" yaml:"prune_downloads"`
	NoRedownload           bool    `json:"no_redownload" yaml:"no_redownload"`
	PoolDownloadGenerate   bool    `json:"pool_download_generate" yaml:"pool_download_generate"`
	DownloadRoot           string  `json:"download_root" yaml:"download_root"`
	StateDir               string  `json:"state_dir" yaml:"state_dir"`
	MaxConcurrentDownloads int     `json:"max_concurrent_downloads" yaml:"max_concurrent_downloads"`
	IgnoreIDs              []int64 `json:"ignore_ids,omitempty" yaml:"ignore_ids"`
	EnableLogFile          bool    `json:"enable_log_file" yaml:"enable_log_file"`
	LogFilePath            string  `json:"log_file_path,omitempty" yaml:"log_file_path"`
}

// Prefilter は、結果を直接保存せず、他の保存先が共有するページング結果を絞り込むルールです。
type Prefilter struct {
	Name      string   `json:"name"`
	Tags      []string `json:"tags"`
	Condition string   `json:"condition,omitempty"`
	Days      int      `json:"days"`
}

// Destination は単一の保存先（検索グループ）を定義します。
type Destination struct {
	Enabled       *bool    `json:"enabled,omitempty"`
	Name          string   `json:"name"`
	UseTemplate   string   `json:"use_template,omitempty"`
	Tags          []string `json:"tags"`
	Condition     string   `json:"condition,omitempty"`
	Blacklist     []string `json:"blacklist,omitempty"`
	Days          int      `json:"days"`
	Ratings       []string `json:"ratings"`
	MinScore      int      `json:"min_score"`
	MinFavs       int      `json:"min_favs"`
	MaxDownloads  int      `json:"max_downloads"`
	Format        string   `json:"format,omitempty"`
	Subfolders    []string `json:"subfolders,omitempty"`
	SubfolderOnly bool     `json:"subfolder_only,omitempty"`
	Pools         string   `json:"pools"`
	PostSource    string   `json:"post_source"`

	// OwnFilters は、days / ratings / min_score / min_favs のいずれかが defaults と異なるかどうかです。
	OwnFilters bool `json:"-"`
}

// IsEnabled は保存先が有効かどうかを返します。未指定は有効扱いです。
func (d Destination) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// TagList はタグの配列です。設定ファイルでは配列、または空白/カンマ区切りの文字列で書けます。
type TagList []string

// UnmarshalJSON は配列と文字列の両方を受け付けます。
func (l *TagList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = splitTags(strings.Join(list, " "))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("タグは文字列か文字列の配列で指定してください: %w", err)
	}
	*l = splitTags(s)
	return nil
}

// UnmarshalYAML は配列と文字列の両方を受け付けます。
func (l *TagList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*l = splitTags(strings.Join(list, " "))
		return nil
	case yaml.ScalarNode:
		*l = splitTags(value.Value)
		return nil
	default:
		return fmt.Errorf("タグは文字列か文字列の配列で指定してください (行 %d)", value.Line)
	}
}

func splitTags(s string) []string {
	return strings.Fields(strings.ReplaceAll(s, ",", " "))
}

// ConfigurationError は、設定内容の誤りを表します。ネットワークやファイルシステムに
// 触れる前に検出され、致命的エラーとして扱われます。
type ConfigurationError struct {
	Section string
	Msg     string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("設定エラー [%s]: %s: %v", e.Section, e.Msg, e.Err)
	}
	return fmt.Sprintf("設定エラー [%s]: %s", e.Section, e.Msg)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
