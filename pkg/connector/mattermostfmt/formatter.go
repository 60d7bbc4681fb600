// Copyright 2024-2026 Aiku AI

// Package mattermostfmt renders Mattermost markdown into the HTML carried by
// relayed message payloads.
package mattermostfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

// Rendered is a post body together with its HTML rendering. HTML and Format
// stay empty when the body has no markdown worth rendering.
type Rendered struct {
	Body     string
	Format   event.Format
	HTML     string
	Mentions []string
}

var (
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe     = regexp.MustCompile(`(?:^|[^*])_(.+?)_(?:[^*]|$)`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	codeRe       = regexp.MustCompile("`([^`]+)`")
	codeBlockRe  = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headingRe    = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	ulRe         = regexp.MustCompile(`(?m)^[-*]\s+(.+)$`)
	olRe         = regexp.MustCompile(`(?m)^\d+\.\s+(.+)$`)
	blockquoteRe = regexp.MustCompile(`(?m)^>\s+(.+)$`)
	mentionRe    = regexp.MustCompile(`(?:^|[\s(])@([a-zA-Z0-9][a-zA-Z0-9._-]*)`)

	markdownRes = []*regexp.Regexp{boldRe, italicRe, strikeRe, codeRe, codeBlockRe, linkRe, headingRe, blockquoteRe, ulRe, olRe}
)

// Render converts a Mattermost post message.
func Render(text string) *Rendered {
	out := &Rendered{Body: text, Mentions: Mentions(text)}
	if !hasMarkdown(text) {
		return out
	}
	out.Format = event.FormatHTML
	out.HTML = toHTML(text)
	return out
}

// Mentions returns the distinct @usernames in text, lower-cased, in order of
// first appearance. Mentions inside code are not excluded.
func Mentions(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range mentionRe.FindAllStringSubmatch(text, -1) {
		name := strings.ToLower(strings.TrimRight(m[1], "."))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func hasMarkdown(text string) bool {
	for _, re := range markdownRes {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func codeBlockPlaceholder(i int) string {
	return "\x00CODEBLOCK" + strconv.Itoa(i) + "\x00"
}

func toHTML(text string) string {
	// Fenced code is swapped out first so nothing inside it gets formatted.
	var blocks []string
	text = codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		code := "<code>"
		if parts[1] != "" {
			code = `<code class="language-` + html.EscapeString(parts[1]) + `">`
		}
		blocks = append(blocks, "<pre>"+code+html.EscapeString(parts[2])+"</code></pre>")
		return codeBlockPlaceholder(len(blocks) - 1)
	})

	out := renderInline(renderBlocks(text))
	for i, block := range blocks {
		out = strings.Replace(out, codeBlockPlaceholder(i), block, 1)
	}

	out = strings.ReplaceAll(out, "\n\n", "</p><p>")
	out = strings.ReplaceAll(out, "\n", "<br/>")
	if strings.Contains(out, "</p><p>") {
		out = "<p>" + out + "</p>"
	}
	return out
}

// renderBlocks handles line-level structure: quotes, headings and lists.
// Every line comes out HTML-escaped.
func renderBlocks(text string) string {
	var lines []string
	var list string
	var items []string
	flush := func() {
		if len(items) > 0 {
			lines = append(lines, "<"+list+">"+strings.Join(items, "")+"</"+list+">")
		}
		items, list = nil, ""
	}
	listItem := func(kind, content string) {
		if list != kind {
			flush()
			list = kind
		}
		items = append(items, "<li>"+html.EscapeString(content)+"</li>")
	}

	for _, line := range strings.Split(text, "\n") {
		if m := blockquoteRe.FindStringSubmatch(line); m != nil {
			flush()
			lines = append(lines, "<blockquote>"+html.EscapeString(m[1])+"</blockquote>")
		} else if m := headingRe.FindStringSubmatch(line); m != nil {
			flush()
			lvl := strconv.Itoa(len(m[1]))
			lines = append(lines, "<h"+lvl+">"+html.EscapeString(m[2])+"</h"+lvl+">")
		} else if m := ulRe.FindStringSubmatch(line); m != nil {
			listItem("ul", m[1])
		} else if m := olRe.FindStringSubmatch(line); m != nil {
			listItem("ol", m[1])
		} else {
			flush()
			lines = append(lines, html.EscapeString(line))
		}
	}
	flush()
	return strings.Join(lines, "\n")
}

func renderInline(s string) string {
	s = codeRe.ReplaceAllString(s, "<code>$1</code>")
	s = boldRe.ReplaceAllString(s, "<strong>$1</strong>")
	s = italicRe.ReplaceAllString(s, "<em>$1</em>")
	s = strikeRe.ReplaceAllString(s, "<del>$1</del>")
	return linkRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		label, href := parts[1], parts[2]
		if safeLink(href) {
			return `<a href="` + href + `">` + label + `</a>`
		}
		return label
	})
}

func safeLink(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	for _, scheme := range []string{"http://", "https://", "mailto:"} {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}
