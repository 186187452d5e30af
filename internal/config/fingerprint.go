package config

import (
	"crypto/md5"
	"encoding/hex"
)

// Fingerprint は設定内容のハッシュ（MD5の16進文字列）を返します。
// 値が前回の実行と異なる場合、永続化されたキューの進捗は破棄されます。
func Fingerprint(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
