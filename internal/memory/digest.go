package memory

import "strings"

// Digest is the legacy flat memory format kept in session.md: a few
// bulleted sections plus verbatim recent turns. It predates the entity
// store and survives for sessions running with entity memory disabled
// and as the source format for migration.
type Digest struct {
	Summary     []string
	People      []string
	Decisions   []string
	Tasks       []string
	Facts       []string
	RecentTurns []Turn
}

// Empty reports whether the digest carries nothing.
func (d *Digest) Empty() bool {
	return len(d.Summary) == 0 && len(d.People) == 0 && len(d.Decisions) == 0 &&
		len(d.Tasks) == 0 && len(d.Facts) == 0 && len(d.RecentTurns) == 0
}

// ParseDigest parses the legacy session.md format. Sections open with
// "## ", the memory section splits into "### " subsections, and the
// recent section holds "U: " / "A: " prefixed turns whose continuation
// lines belong to the turn above. Unknown sections are ignored.
func ParseDigest(content string) *Digest {
	d := &Digest{}
	for _, section := range splitSections(content, "## ") {
		header, body := sectionParts(section)
		switch header {
		case "summary":
			d.Summary = parseBullets(body)
		case "memory":
			d.parseMemorySection(body)
		case "critical":
			// Older digests kept facts under "critical".
			d.Facts = parseBullets(body)
		case "recent":
			d.RecentTurns = parseTurns(body)
		}
	}
	return d
}

func (d *Digest) parseMemorySection(body string) {
	for _, sub := range splitSections(body, "### ") {
		header, subBody := sectionParts(sub)
		switch header {
		case "people":
			d.People = parseBullets(subBody)
		case "decisions":
			d.Decisions = parseBullets(subBody)
		case "tasks":
			d.Tasks = parseBullets(subBody)
		case "facts":
			d.Facts = parseBullets(subBody)
		}
	}
}

// Render writes the digest back out in the canonical session.md shape.
func (d *Digest) Render() string {
	var b strings.Builder
	writeSection := func(header string, items []string) {
		if len(items) == 0 {
			return
		}
		b.WriteString(header + "\n")
		for _, item := range items {
			b.WriteString("- " + item + "\n")
		}
		b.WriteString("\n")
	}
	writeSection("## summary", d.Summary)
	if len(d.People) > 0 || len(d.Decisions) > 0 || len(d.Tasks) > 0 || len(d.Facts) > 0 {
		b.WriteString("## memory\n\n")
		writeSection("### people", d.People)
		writeSection("### decisions", d.Decisions)
		writeSection("### tasks", d.Tasks)
		writeSection("### facts", d.Facts)
	}
	if len(d.RecentTurns) > 0 {
		b.WriteString("## recent\n")
		for _, turn := range d.RecentTurns {
			prefix := "U: "
			if turn.Role == "assistant" {
				prefix = "A: "
			}
			b.WriteString(prefix + turn.Content + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// splitSections breaks content at lines starting with marker, dropping
// any preamble before the first marker only when it holds no marker of
// its own.
func splitSections(content, marker string) []string {
	var sections []string
	var current []string
	flush := func() {
		if len(current) > 0 {
			sections = append(sections, strings.Join(current, "\n"))
			current = nil
		}
	}
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, marker) {
			flush()
			current = append(current, strings.TrimPrefix(line, marker))
			continue
		}
		if len(current) > 0 {
			current = append(current, line)
		}
	}
	flush()
	return sections
}

func sectionParts(section string) (header, body string) {
	lines := strings.SplitN(section, "\n", 2)
	header = strings.ToLower(strings.TrimSpace(lines[0]))
	if len(lines) > 1 {
		body = strings.TrimSpace(lines[1])
	}
	return header, body
}

func parseBullets(body string) []string {
	var items []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "- ") {
			items = append(items, strings.TrimSpace(line[2:]))
		}
	}
	return items
}

func parseTurns(body string) []Turn {
	var turns []Turn
	var role string
	var content []string
	flush := func() {
		if role != "" && len(content) > 0 {
			turns = append(turns, Turn{Role: role, Content: strings.TrimSpace(strings.Join(content, "\n"))})
		}
		content = nil
	}
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "U: "):
			flush()
			role = "user"
			content = append(content, line[3:])
		case strings.HasPrefix(line, "A: "):
			flush()
			role = "assistant"
			content = append(content, line[3:])
		case role != "" && strings.TrimSpace(line) != "":
			content = append(content, line)
		}
	}
	flush()
	return turns
}
