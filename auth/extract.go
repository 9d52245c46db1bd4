package auth

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// tokenKeys are the storage and cookie names that may hold the bearer token, in lookup order.
var tokenKeys = []string{"tokenId", "access_token", "id_token", "token", "authToken"}

// urlTokenParams are the URL parameters checked for a token, in lookup order.
var urlTokenParams = []string{"tokenId", "access_token", "id_token"}

// urlTokenMarkers signal that the post-login redirect URL carries a token.
var urlTokenMarkers = []string{"tokenId", "access_token", "id_token", "token"}

var scriptTokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`tokenId['"]?\s*[:=]\s*['"]([^'"]+)['"]`),
	regexp.MustCompile(`access_token['"]?\s*[:=]\s*['"]([^'"]+)['"]`),
	regexp.MustCompile(`id_token['"]?\s*[:=]\s*['"]([^'"]+)['"]`),
	regexp.MustCompile(`token['"]?\s*[:=]\s*['"]([^'"]+)['"]`),
}

func isTokenKey(name string) bool {
	for _, k := range tokenKeys {
		if name == k {
			return true
		}
	}
	return false
}

func urlHasTokenMarker(raw string) bool {
	for _, m := range urlTokenMarkers {
		if strings.Contains(raw, m) {
			return true
		}
	}
	return false
}

// tokenFromURL looks for a token in the URL fragment first, then in the query string.
func tokenFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Fragment != "" {
		if frag, err := url.ParseQuery(u.Fragment); err == nil {
			for _, p := range urlTokenParams {
				if v := frag.Get(p); v != "" {
					return v
				}
			}
		}
	}
	query := u.Query()
	for _, p := range urlTokenParams {
		if v := query.Get(p); v != "" {
			return v
		}
	}
	return ""
}

// tokenFromScripts scans inline <script> bodies for a token assignment.
func tokenFromScripts(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	var token string
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		body := s.Text()
		if body == "" {
			return true
		}
		for _, re := range scriptTokenPatterns {
			if m := re.FindStringSubmatch(body); len(m) > 1 && m[1] != "" {
				token = m[1]
				return false
			}
		}
		return true
	})
	return token
}
