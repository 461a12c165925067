package wire

import "github.com/tidwall/gjson"

// ExtractSessionID pulls the session id from the format-specific metadata
// slot of a raw request body. Returns an empty string when no slot is set.
func ExtractSessionID(format Format, body []byte) string {
	switch format {
	case FormatOpenAI:
		if sid := gjson.GetBytes(body, "metadata.session_id"); sid.Exists() {
			return sid.String()
		}
		return gjson.GetBytes(body, "user").String()
	case FormatAnthropic:
		return gjson.GetBytes(body, "metadata.user_id").String()
	}
	return ""
}
