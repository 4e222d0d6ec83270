package providers

import (
	"io"

	"github.com/huandu/go-clone"
	"gopkg.in/yaml.v3"
)

// ChatSettings selects the backend and model used for generation.
type ChatSettings struct {
	ApiType           *ApiType `yaml:"api-type,omitempty"`
	Engine            *string  `yaml:"engine,omitempty"`
	Temperature       *float64 `yaml:"temperature,omitempty"`
	MaxResponseTokens *int     `yaml:"max-response-tokens,omitempty"`
	Stop              []string `yaml:"stop,omitempty"`
}

func NewChatSettings() *ChatSettings {
	return &ChatSettings{}
}

func (s *ChatSettings) Clone() *ChatSettings {
	return clone.Clone(s).(*ChatSettings)
}

// APISettings holds credentials and endpoints keyed by provider, stored as
// "<provider>-api-key" and "<provider>-base-url".
type APISettings struct {
	APIKeys  map[string]string `yaml:"api-keys,omitempty"`
	BaseUrls map[string]string `yaml:"base-urls,omitempty"`
}

func NewAPISettings() *APISettings {
	return &APISettings{
		APIKeys:  map[string]string{},
		BaseUrls: map[string]string{},
	}
}

func (s *APISettings) Clone() *APISettings {
	return clone.Clone(s).(*APISettings)
}

// Settings is the full inference configuration.
type Settings struct {
	Chat *ChatSettings `yaml:"chat,omitempty"`
	API  *APISettings  `yaml:"api,omitempty"`
}

func NewSettings() *Settings {
	return &Settings{
		Chat: NewChatSettings(),
		API:  NewAPISettings(),
	}
}

func NewSettingsFromYAML(s io.Reader) (*Settings, error) {
	settings_ := NewSettings()
	if err := yaml.NewDecoder(s).Decode(settings_); err != nil {
		return nil, err
	}

	// explicit nulls in the YAML would leave these unset
	if settings_.Chat == nil {
		settings_.Chat = NewChatSettings()
	}
	if settings_.API == nil {
		settings_.API = NewAPISettings()
	}
	if settings_.API.APIKeys == nil {
		settings_.API.APIKeys = map[string]string{}
	}
	if settings_.API.BaseUrls == nil {
		settings_.API.BaseUrls = map[string]string{}
	}

	return settings_, nil
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}
