package opengraph

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	fencedCodeRE   = regexp.MustCompile("(?s)```[^`]*```")
	inlineCodeRE   = regexp.MustCompile("`[^`]+`")
	preBlockRE     = regexp.MustCompile(`(?is)<pre[^>]*>.*?</pre>`)
	codeBlockRE    = regexp.MustCompile(`(?is)<code[^>]*>.*?</code>`)
	urlCandidateRE = regexp.MustCompile(`https?://[^\s<>\[\]"']+`)
)

// ExtractLinks returns the URLs found in text, skipping anything inside
// fenced code blocks, inline code, or <pre>/<code> tags. Trailing
// punctuation and unbalanced closing parens are stripped from each
// candidate before validation.
func ExtractLinks(text string) []string {
	clean := fencedCodeRE.ReplaceAllString(text, "")
	clean = inlineCodeRE.ReplaceAllString(clean, "")
	clean = preBlockRE.ReplaceAllString(clean, "")
	clean = codeBlockRE.ReplaceAllString(clean, "")

	var urls []string
	for _, candidate := range urlCandidateRE.FindAllString(clean, -1) {
		u := strings.TrimRight(candidate, `.,;:!?'"`)

		// Markdown links leave a stray ")" on the URL. Strip closing
		// parens only while they outnumber opening ones.
		for strings.HasSuffix(u, ")") {
			if strings.Count(u, ")") <= strings.Count(u, "(") {
				break
			}
			u = u[:len(u)-1]
		}

		parsed, err := url.Parse(u)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			continue
		}
		urls = append(urls, u)
	}
	return urls
}
