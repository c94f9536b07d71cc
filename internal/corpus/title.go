package corpus

import (
	"path"
	"path/filepath"
	"strings"
)

// DeriveTitle returns the document title: the front matter "title" field,
// else the first level-one ATX heading outside code fences, else the file
// name without its extension.
func DeriveTitle(docPath, text string) string {
	body := text
	if fm, rest, ok := splitFrontMatter(text); ok {
		if t := frontMatterTitle(fm); t != "" {
			return t
		}
		body = rest
	}

	inFence := false
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if strings.HasPrefix(trimmed, "# ") {
			if t := strings.TrimSpace(strings.TrimRight(trimmed[2:], "#")); t != "" {
				return t
			}
		}
	}

	base := path.Base(filepath.ToSlash(docPath))
	return strings.TrimSuffix(base, path.Ext(base))
}

// splitFrontMatter separates a leading "---" delimited block.
func splitFrontMatter(text string) (fm, rest string, ok bool) {
	if !strings.HasPrefix(text, "---\n") {
		return "", text, false
	}
	end := strings.Index(text[4:], "\n---")
	if end < 0 {
		return "", text, false
	}
	fm = text[4 : 4+end]
	rest = text[4+end+4:]
	return fm, strings.TrimPrefix(rest, "\n"), true
}

func frontMatterTitle(fm string) string {
	for _, line := range strings.Split(fm, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(key) != "title" {
			continue
		}
		return strings.Trim(strings.TrimSpace(value), `"'`)
	}
	return ""
}
