package entities

import "strings"

// VoiceSelection is one entry of the fixed voice catalogue.
type VoiceSelection struct {
	Name    string `json:"name"`
	VoiceID string `json:"id"`
	Glyph   string `json:"icon"`
	Color   string `json:"color"`
}

var voiceCatalog = []VoiceSelection{
	{Name: "Brian", VoiceID: "nPczCjzI2devNBz1zQrb", Glyph: "B", Color: "bg-blue-500"},
	{Name: "Will", VoiceID: "bIHbv24MWmeRgasZH58o", Glyph: "W", Color: "bg-orange-500"},
	{Name: "Lily", VoiceID: "pFZP5JQG7iQjIQuC4Bku", Glyph: "L", Color: "bg-purple-500"},
	{Name: "George", VoiceID: "JBFqnCBsd6RMkjVDRZzb", Glyph: "G", Color: "bg-teal-500"},
}

// DefaultFirstName is used when the reader does not give a name.
const DefaultFirstName = "Jack"

// Voices returns a copy of the voice catalogue.
func Voices() []VoiceSelection {
	out := make([]VoiceSelection, len(voiceCatalog))
	copy(out, voiceCatalog)
	return out
}

// DefaultVoice returns the catalogue's default voice (Will).
func DefaultVoice() VoiceSelection {
	return voiceCatalog[1]
}

// LookupVoice finds a voice by provider id or case-insensitive name.
func LookupVoice(key string) (VoiceSelection, bool) {
	key = strings.TrimSpace(key)
	for _, v := range voiceCatalog {
		if v.VoiceID == key || strings.EqualFold(v.Name, key) {
			return v, true
		}
	}
	return VoiceSelection{}, false
}

// ResolveVoice is LookupVoice with the default voice for unknown or empty keys.
func ResolveVoice(key string) VoiceSelection {
	if v, ok := LookupVoice(key); ok {
		return v
	}
	return DefaultVoice()
}
