package factory

import (
	"strings"

	"github.com/go-go-golems/marionette/pkg/providers"
	"github.com/go-go-golems/marionette/pkg/providers/ollama"
	"github.com/go-go-golems/marionette/pkg/providers/openai"
	"github.com/pkg/errors"
)

// EngineFactory creates inference engines based on provider settings.
// This interface allows external control over which backend is used without
// the calling code needing to know specific implementations.
type EngineFactory interface {
	// CreateEngine creates an Engine instance based on the provided
	// settings. The actual provider is determined from
	// settings.Chat.ApiType. Returns an error if the provider is
	// unsupported or configuration is invalid.
	CreateEngine(settings *providers.Settings) (providers.Engine, error)

	// SupportedProviders returns a list of provider names this factory
	// supports.
	SupportedProviders() []string

	// DefaultProvider returns the name of the provider used when
	// settings.Chat.ApiType is nil.
	DefaultProvider() string
}

// StandardEngineFactory is the default implementation of EngineFactory.
type StandardEngineFactory struct{}

func NewStandardEngineFactory() *StandardEngineFactory {
	return &StandardEngineFactory{}
}

func (f *StandardEngineFactory) CreateEngine(settings *providers.Settings) (providers.Engine, error) {
	if settings == nil {
		return nil, errors.New("settings cannot be nil")
	}

	provider := f.DefaultProvider()
	if settings.Chat != nil && settings.Chat.ApiType != nil {
		provider = strings.ToLower(string(*settings.Chat.ApiType))
	}

	if err := f.validateSettings(settings, provider); err != nil {
		return nil, errors.Wrapf(err, "invalid settings for provider %s", provider)
	}

	switch provider {
	case string(providers.ApiTypeOpenAI):
		return openai.NewEngine(settings)

	case string(providers.ApiTypeOllama):
		return ollama.NewEngine(settings)

	default:
		supported := strings.Join(f.SupportedProviders(), ", ")
		return nil, errors.Errorf("unsupported provider %s. Supported providers: %s", provider, supported)
	}
}

func (f *StandardEngineFactory) SupportedProviders() []string {
	return []string{
		string(providers.ApiTypeOpenAI),
		string(providers.ApiTypeOllama),
	}
}

func (f *StandardEngineFactory) DefaultProvider() string {
	return string(providers.ApiTypeOpenAI)
}

func (f *StandardEngineFactory) validateSettings(settings *providers.Settings, provider string) error {
	if settings.Chat == nil {
		return errors.New("chat settings cannot be nil")
	}
	if settings.API == nil {
		return errors.New("API settings cannot be nil")
	}

	switch provider {
	case string(providers.ApiTypeOpenAI):
		apiKeyName := provider + "-api-key"
		if _, ok := settings.API.APIKeys[apiKeyName]; !ok {
			return errors.Wrapf(providers.ErrMissingAPIKey, "%s", apiKeyName)
		}
		if baseURL, ok := settings.API.BaseUrls[provider+"-base-url"]; ok {
			if err := providers.ValidateBaseURL(baseURL); err != nil {
				return err
			}
		}
		return nil

	case string(providers.ApiTypeOllama):
		// runs locally, no credentials required
		return nil

	default:
		return errors.Errorf("unknown provider %s", provider)
	}
}

var _ EngineFactory = (*StandardEngineFactory)(nil)
