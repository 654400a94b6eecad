package permission

import (
	"fmt"
	"regexp"
	"strings"
)

// Audit is the result of inspecting one SQL statement: every table it
// references and whether it mutates data.
//
// The extractor is regex-based and known-incomplete for deeply nested
// subqueries whose tables are not named after FROM/JOIN; the db.tables
// allow-list is the mandatory companion control.
type Audit struct {
	Tables []string
	Write  bool
}

var (
	lineComment  = regexp.MustCompile(`--[^\n]*`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)

	tableRefs = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bFROM\s+([^\s,;()]+)`),
		regexp.MustCompile(`(?i)\bJOIN\s+([^\s,;()]+)`),
		regexp.MustCompile(`(?i)\bINTO\s+([^\s,;()]+)`),
		regexp.MustCompile(`(?i)\bUPDATE\s+([^\s,;()]+)`),
	}

	writeKeyword = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|CREATE|ALTER|DROP|TRUNCATE|REPLACE)\b`)
	tableToken   = regexp.MustCompile(`^[A-Za-z_][\w$]*$`)
)

// AuditSQL normalizes the statement (comments stripped, single-quoted
// literals elided), rejects multi-statement SQL, extracts the referenced
// tables, and classifies the statement as read or write. A statement whose
// tables cannot be determined yields the single table "*", which forces the
// caller to require wildcard access.
func AuditSQL(sql string) (*Audit, error) {
	norm := normalizeSQL(sql)

	// A single trailing semicolon is tolerated; anything after one is a
	// second statement.
	trimmed := strings.TrimRight(strings.TrimSpace(norm), ";")
	if strings.Contains(trimmed, ";") {
		return nil, fmt.Errorf("multi-statement SQL is not allowed")
	}

	seen := make(map[string]bool)
	var tables []string
	for _, re := range tableRefs {
		for _, m := range re.FindAllStringSubmatch(trimmed, -1) {
			name := tableName(m[1])
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			tables = append(tables, name)
		}
	}
	if len(tables) == 0 {
		tables = []string{"*"}
	}

	return &Audit{
		Tables: tables,
		Write:  writeKeyword.MatchString(trimmed),
	}, nil
}

// normalizeSQL strips comments and replaces single-quoted literals with
// empty strings so keywords inside them cannot fool the classifier.
func normalizeSQL(sql string) string {
	sql = blockComment.ReplaceAllString(sql, " ")
	sql = lineComment.ReplaceAllString(sql, " ")

	var b strings.Builder
	inLiteral := false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if c == '\'' {
			if inLiteral && i+1 < len(sql) && sql[i+1] == '\'' {
				i++ // escaped quote inside a literal
				continue
			}
			inLiteral = !inLiteral
			if !inLiteral {
				b.WriteString("''")
			}
			continue
		}
		if !inLiteral {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// tableName reduces a raw reference to the final dotted segment with quoting
// stripped, and accepts it only if it is a plain identifier. Subquery
// openers, bind markers, and anything else fall out as "".
func tableName(ref string) string {
	ref = strings.TrimSpace(ref)
	if idx := strings.LastIndex(ref, "."); idx >= 0 {
		ref = ref[idx+1:]
	}
	ref = strings.Trim(ref, "`\"'[]")
	if !tableToken.MatchString(ref) {
		return ""
	}
	return ref
}
