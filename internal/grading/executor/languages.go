package executor

import (
	"sort"
	"strings"
)

// Language describes how a supported language is presented to the execution service.
type Language struct {
	ID       string
	Runtime  string
	Version  string
	FileName string
}

var languages = map[string]Language{
	"python":     {ID: "python", Runtime: "python", Version: "3.12.0", FileName: "main.py"},
	"javascript": {ID: "javascript", Runtime: "javascript", Version: "20.11.1", FileName: "main.js"},
	"cpp":        {ID: "cpp", Runtime: "c++", Version: "10.2.0", FileName: "main.cpp"},
	"java":       {ID: "java", Runtime: "java", Version: "15.0.2", FileName: "Main.java"},
	"c":          {ID: "c", Runtime: "c", Version: "10.2.0", FileName: "main.c"},
}

// LookupLanguage resolves a language id case-insensitively.
func LookupLanguage(id string) (Language, bool) {
	lang, ok := languages[strings.ToLower(strings.TrimSpace(id))]
	return lang, ok
}

// IsSupported reports whether id names a supported language.
func IsSupported(id string) bool {
	_, ok := LookupLanguage(id)
	return ok
}

// SupportedLanguages returns the supported language ids in sorted order.
func SupportedLanguages() []string {
	ids := make([]string, 0, len(languages))
	for id := range languages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
