package tts

// Default voice of the MAGUS assistant.
const (
	DefaultLanguageCode = "pt-BR"
	DefaultVoiceID      = "pt-BR-Standard-A"
	DefaultGender       = "FEMALE"
)

// Voice describes a TTS voice configuration.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// LanguageCode is a BCP-47 tag such as "pt-BR".
	LanguageCode string

	// Gender is "FEMALE", "MALE" or "NEUTRAL"; empty leaves it to the backend.
	Gender string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeakingRate adjusts speed (0.25–4.0, 0 or 1.0 = default).
	SpeakingRate float64

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string
}

// DefaultVoice returns the MAGUS voice: Brazilian Portuguese, standard female.
func DefaultVoice() Voice {
	return Voice{ID: DefaultVoiceID, LanguageCode: DefaultLanguageCode, Gender: DefaultGender}
}

// WithDefaults fills empty fields of v from [DefaultVoice]. The voice ID is
// only defaulted when the language is defaulted too, so a caller asking for
// another language gets that language's default voice.
func (v Voice) WithDefaults() Voice {
	if v.LanguageCode == "" {
		v.LanguageCode = DefaultLanguageCode
		if v.ID == "" {
			v.ID = DefaultVoiceID
		}
	}
	if v.Gender == "" && v.ID == DefaultVoiceID {
		v.Gender = DefaultGender
	}
	if v.SpeakingRate == 0 {
		v.SpeakingRate = 1.0
	}
	return v
}
