package entities

// DemoSignedURL is the sentinel credential handed out when the proxy is not configured.
const DemoSignedURL = "demo://placeholder"

// SessionCredential is produced once per start attempt and consumed once to open a session.
type SessionCredential struct {
	SignedURL string `json:"signedUrl"`
	IsDemo    bool   `json:"isDemo"`
}

// DemoCredential returns the placeholder credential.
func DemoCredential() SessionCredential {
	return SessionCredential{SignedURL: DemoSignedURL, IsDemo: true}
}

// DefaultLineText stands in for an empty paragraph snippet.
const DefaultLineText = "Beginning of the book"

// SessionParams is everything needed to open a real-time session.
type SessionParams struct {
	SignedURL     string `json:"-"`
	VoiceID       string `json:"voice_id"`
	FirstName     string `json:"first_name"`
	ChapterNumber string `json:"chapter_number"`
	LineText      string `json:"line_text"`
}

// DynamicVariables returns the agent's dynamic variables for this session.
func (p SessionParams) DynamicVariables() map[string]string {
	return map[string]string{
		"firstName":     p.FirstName,
		"chapterNumber": p.ChapterNumber,
		"lineText":      p.LineText,
	}
}
