package stt

// Provider names.
const (
	ProviderAuto     = "auto"
	ProviderMock     = "mock"
	ProviderDeepgram = "deepgram"
	ProviderGoogle   = "google"
	ProviderWhisper  = "whisper"
)

// Model list entries understood by SelectProvider.
const (
	ModelNova3   = "dg-nova-3"
	ModelNova2   = "dg-nova-2"
	ModelGoogle  = "google-latest"
	ModelWhisper = "whisper-local"
)

// Selection is a provider, language and model triple.
type Selection struct {
	Provider string
	Language string
	Model    string
}

// DefaultSelection is used when no listed model supports the language.
var DefaultSelection = Selection{Provider: ProviderDeepgram, Language: "en", Model: "nova-3"}

func set(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

var (
	nova2Languages = set("zh", "zh-CN", "zh-Hans", "zh-TW", "zh-Hant", "zh-HK", "th", "th-TH")

	nova2MultiLanguages = set("multi", "en", "en-US", "en-AU", "en-GB", "en-IN", "en-NZ", "es", "es-419")

	nova3MultiLanguages = set(
		"multi", "en", "en-US", "en-AU", "en-GB", "en-IN", "en-NZ", "es", "es-419",
		"fr", "fr-CA", "de", "hi", "ru", "pt", "pt-BR", "pt-PT", "ja", "it", "nl",
	)

	nova3Languages = set(
		"bg", "ca", "cs", "da", "da-DK", "nl", "en", "en-US", "en-AU", "en-GB", "en-IN", "en-NZ",
		"et", "fi", "nl-BE", "fr", "fr-CA", "de", "de-CH", "el", "hi", "hu", "id", "it", "ja",
		"ko", "ko-KR", "lv", "lt", "ms", "no", "pl", "pt", "pt-BR", "pt-PT", "ro", "ru", "sk",
		"es", "es-419", "sv", "sv-SE", "tr", "uk", "vi",
	)
)

// SelectProvider walks the ordered model list and returns the first model
// that supports language. Multi-language capable models answer with language
// "multi" so the provider detects the spoken language per word.
func SelectProvider(language string, serviceModels []string) Selection {
	for _, m := range serviceModels {
		switch m {
		case ModelNova3:
			if _, ok := nova3MultiLanguages[language]; ok {
				return Selection{Provider: ProviderDeepgram, Language: "multi", Model: "nova-3"}
			}
			if _, ok := nova3Languages[language]; ok {
				return Selection{Provider: ProviderDeepgram, Language: language, Model: "nova-3"}
			}
		case ModelNova2:
			if _, ok := nova2MultiLanguages[language]; ok {
				return Selection{Provider: ProviderDeepgram, Language: "multi", Model: "nova-2-general"}
			}
			if _, ok := nova2Languages[language]; ok {
				return Selection{Provider: ProviderDeepgram, Language: language, Model: "nova-2-general"}
			}
		case ModelGoogle:
			if language != "" && language != "multi" {
				return Selection{Provider: ProviderGoogle, Language: language, Model: "latest_long"}
			}
		case ModelWhisper:
			return Selection{Provider: ProviderWhisper, Language: language, Model: "whisper"}
		}
	}
	return DefaultSelection
}
