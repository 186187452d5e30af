package adapter

import (
	"fmt"

	"GoBooruArchiver/internal/network"
)

// adapterRegistry は、サイト名とSiteAdapter実装のマッピングを保持します。
var adapterRegistry = map[string]func(client *network.Client, baseURL string) SiteAdapter{
	"e621": NewE621Adapter,
	"e926": NewE621Adapter,
}

// GetAdapter は、指定されたサイト名に対応するSiteAdapterの新しいインスタンスを返します。
func GetAdapter(siteName string, client *network.Client, baseURL string) (SiteAdapter, error) {
	factory, ok := adapterRegistry[siteName]
	if !ok {
		return nil, fmt.Errorf("サイト名 '%s' に対応するアダプタが見つかりません", siteName)
	}
	return factory(client, baseURL), nil
}
