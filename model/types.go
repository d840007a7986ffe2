package model

// TranscribedText represents text produced by a transcription service.
type TranscribedText string

// VoiceConfig selects a synthesis voice. An empty ID means the engine default.
type VoiceConfig struct {
	ID string
}

// IsDefault reports whether no explicit voice was configured.
func (v VoiceConfig) IsDefault() bool {
	return v.ID == ""
}

// ChatResult is the outcome of one chat turn: the model reply and the public
// URL of its synthesized audio. Both are set or the turn failed.
type ChatResult struct {
	Reply    string
	AudioURL string
}
