package access

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type originsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoadOriginsFile は許可オリジンの一覧をYAMLファイルから読み込む.
// ファイルが存在しない場合は空の設定ファイルを作成する.
func LoadOriginsFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			config, err := createDefaultConfig(path)
			if err != nil {
				return nil, err
			}
			return config.AllowedOrigins, nil
		}
		return nil, err
	}

	var config originsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	return config.AllowedOrigins, nil
}

func createDefaultConfig(path string) (*originsConfig, error) {
	config := &originsConfig{
		AllowedOrigins: []string{},
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, err
	}

	return config, nil
}

// normalizeOrigins は許可オリジンを比較用に正規化する
func normalizeOrigins(origins []string) map[string]bool {
	set := make(map[string]bool, len(origins))
	for _, o := range origins {
		o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
		if o == "" {
			continue
		}
		set[o] = true
	}
	return set
}
