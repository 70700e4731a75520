package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// TrackingToken derives a verifiable token for a message id so the open
// and click endpoints can reject forged requests.
func TrackingToken(messageID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))[:20]
}

// VerifyTrackingToken checks a token produced by TrackingToken.
func VerifyTrackingToken(messageID, secret, token string) bool {
	return hmac.Equal([]byte(TrackingToken(messageID, secret)), []byte(token))
}

// TrackingPixelURL generates a tracking pixel URL for email opens.
func TrackingPixelURL(baseURL, messageID, secret string) string {
	return fmt.Sprintf("%s/t/open/%s/%s", baseURL, messageID, TrackingToken(messageID, secret))
}

// ClickTrackURL generates a tracked URL for a link in the body.
func ClickTrackURL(baseURL, messageID, secret, originalURL string) string {
	return fmt.Sprintf("%s/t/click/%s/%s?url=%s",
		baseURL, messageID, TrackingToken(messageID, secret), url.QueryEscape(originalURL))
}

// InjectTracking rewrites the body's links through the click endpoint and
// appends an open pixel.
func InjectTracking(htmlContent, baseURL, messageID, secret string) string {
	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`,
		TrackingPixelURL(baseURL, messageID, secret))
	return injectClickTracking(htmlContent, baseURL, messageID, secret) + pixel
}

func injectClickTracking(html, baseURL, messageID, secret string) string {
	const startTag = `<a href="`
	const endTag = `"`
	offset := 0

	for {
		startIdx := strings.Index(html[offset:], startTag)
		if startIdx == -1 {
			break
		}
		startIdx += offset + len(startTag)

		endIdx := strings.Index(html[startIdx:], endTag)
		if endIdx == -1 {
			break
		}
		endIdx += startIdx

		originalURL := html[startIdx:endIdx]
		trackedURL := ClickTrackURL(baseURL, messageID, secret, originalURL)

		html = html[:startIdx] + trackedURL + html[endIdx:]
		offset = startIdx + len(trackedURL)
	}

	return html
}
