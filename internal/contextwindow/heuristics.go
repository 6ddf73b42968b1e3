package contextwindow

import (
	"regexp"
	"strings"

	"github.com/danshapiro/termgpt/internal/llm"
)

// Keyword data for the heuristic extractors. Matching is on lower-cased
// content unless noted.
var (
	languagePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(python|javascript|java|rust|go|c\+\+|c#|typescript)\b`),
		regexp.MustCompile(`\b(aws|azure|gcp|kubernetes|docker)\b`),
	}

	studyKeywords  = []string{"aws", "cka", "certification", "study"}
	sportsKeywords = []string{"epl", "nba", "football", "basketball"}
	systemKeywords = []string{"macbook", "m1", "slow", "performance"}

	toolImportanceIndicators = []string{
		"content:", "result:", "score:", "stat:", "path:", "file:",
		"calculation:", "directory:", "list:", "read_file", "write_file",
	}

	// Matched against original-case content.
	pathPatterns = []*regexp.Regexp{
		regexp.MustCompile(`([/\w\-\.]+\.(py|js|ts|java|rust|go|json|md))`),
		regexp.MustCompile(`(/Users/[^/\s]+/[\w/\-]+)`),
		regexp.MustCompile(`(src/[\w/\-]+\.\w+)`),
	}

	fileOperationPhrases = []string{"read file", "write file", "list directory"}

	errorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Error:\s*(.+)`),
		regexp.MustCompile(`(?i)Exception:\s*(.+)`),
		regexp.MustCompile(`(?i)Failed:\s*(.+)`),
		regexp.MustCompile(`(?i)Cannot\s*(.+)`),
	}

	problemKeywords = []string{"debug", "issue", "problem", "help"}
)

const (
	technicalScanWindow = 20
	previewCount        = 10
	previewChars        = 100
	toolPreviewChars    = 200
	codeSnippetChars    = 300
	problemChars        = 150
)

type UserPreferences struct {
	CodingLanguages []string        `json:"coding_languages"`
	ProjectTypes    []string        `json:"project_types"`
	StudyTopics     []string        `json:"study_topics"`
	SportsInterests []string        `json:"sports_interests"`
	SystemInfo      map[string]bool `json:"system_info"`
	Preferences     []string        `json:"preferences"`
}

type ToolResultNote struct {
	ToolName       string `json:"tool_name"`
	ContentPreview string `json:"content_preview"`
	Timestamp      string `json:"timestamp"`
	IsImportant    bool   `json:"is_important"`
}

type FileOperation struct {
	Operation string `json:"operation"`
	Timestamp string `json:"timestamp"`
}

type FileContext struct {
	RecentFiles    []string        `json:"recent_files"`
	FileOperations []FileOperation `json:"file_operations"`
	ImportantPaths []string        `json:"important_paths"`
}

type TechnicalContext struct {
	CurrentProblems    []string `json:"current_problems"`
	SolutionsAttempted []string `json:"solutions_attempted"`
	CodeSnippets       []string `json:"code_snippets"`
	ErrorMessages      []string `json:"error_messages"`
}

// PreservedContext is the structured bundle carried alongside a summary.
type PreservedContext struct {
	UserPreferences  UserPreferences  `json:"user_preferences"`
	ToolResults      []ToolResultNote `json:"tool_results"`
	FileContext      FileContext      `json:"file_context"`
	TechnicalContext TechnicalContext `json:"technical_context"`
}

func emptyPreserved() PreservedContext {
	return PreservedContext{
		UserPreferences: UserPreferences{
			CodingLanguages: []string{},
			ProjectTypes:    []string{},
			StudyTopics:     []string{},
			SportsInterests: []string{},
			SystemInfo:      map[string]bool{},
			Preferences:     []string{},
		},
		ToolResults: []ToolResultNote{},
		FileContext: FileContext{
			RecentFiles:    []string{},
			FileOperations: []FileOperation{},
			ImportantPaths: []string{},
		},
		TechnicalContext: TechnicalContext{
			CurrentProblems:    []string{},
			SolutionsAttempted: []string{},
			CodeSnippets:       []string{},
			ErrorMessages:      []string{},
		},
	}
}

// Extract runs every enabled extractor over msgs.
func (c Config) Extract(msgs []llm.Message) PreservedContext {
	out := emptyPreserved()
	if c.PreserveUserPreferences {
		out.UserPreferences = extractUserPreferences(msgs, out.UserPreferences)
	}
	if c.PreserveToolResults {
		out.ToolResults = extractToolResults(msgs)
	}
	if c.PreserveFileContext {
		out.FileContext = extractFileContext(msgs, out.FileContext)
	}
	out.TechnicalContext = extractTechnicalContext(msgs, out.TechnicalContext)
	return out
}

func extractUserPreferences(msgs []llm.Message, prefs UserPreferences) UserPreferences {
	langs := newOrderedSet()
	study := newOrderedSet()
	sports := newOrderedSet()
	for _, m := range msgs {
		if m.Role != llm.RoleUser {
			continue
		}
		content := strings.ToLower(m.Content)
		for _, re := range languagePatterns {
			for _, match := range re.FindAllStringSubmatch(content, -1) {
				langs.add(match[1])
			}
		}
		if containsAny(content, studyKeywords) {
			study.add(clip(content, previewChars))
		}
		if containsAny(content, sportsKeywords) {
			sports.add(clip(content, previewChars))
		}
		if containsAny(content, systemKeywords) {
			prefs.SystemInfo["performance_issues"] = true
		}
	}
	prefs.CodingLanguages = langs.items
	prefs.StudyTopics = study.items
	prefs.SportsInterests = sports.items
	return prefs
}

func extractToolResults(msgs []llm.Message) []ToolResultNote {
	out := []ToolResultNote{}
	for _, m := range msgs {
		if m.Role != llm.RoleTool || !isImportantToolResult(m) {
			continue
		}
		out = append(out, ToolResultNote{
			ToolName:       m.Name,
			ContentPreview: clip(m.Content, toolPreviewChars),
			Timestamp:      isoTime(m),
			IsImportant:    true,
		})
	}
	return out
}

func isImportantToolResult(m llm.Message) bool {
	return containsAny(strings.ToLower(m.Content), toolImportanceIndicators)
}

func extractFileContext(msgs []llm.Message, fc FileContext) FileContext {
	paths := newOrderedSet()
	for _, m := range msgs {
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			continue
		}
		for _, re := range pathPatterns {
			for _, match := range re.FindAllStringSubmatch(m.Content, -1) {
				paths.add(match[1])
			}
		}
		if containsAny(strings.ToLower(m.Content), fileOperationPhrases) {
			fc.FileOperations = append(fc.FileOperations, FileOperation{
				Operation: clip(m.Content, previewChars),
				Timestamp: isoTime(m),
			})
		}
	}
	fc.ImportantPaths = paths.items
	return fc
}

func extractTechnicalContext(msgs []llm.Message, tc TechnicalContext) TechnicalContext {
	if len(msgs) > technicalScanWindow {
		msgs = msgs[len(msgs)-technicalScanWindow:]
	}
	for _, m := range msgs {
		for _, re := range errorPatterns {
			for _, match := range re.FindAllStringSubmatch(m.Content, -1) {
				tc.ErrorMessages = append(tc.ErrorMessages, match[1])
			}
		}
		if strings.Contains(m.Content, "```") {
			tc.CodeSnippets = append(tc.CodeSnippets, clip(m.Content, codeSnippetChars))
		}
		if containsAny(strings.ToLower(m.Content), problemKeywords) {
			tc.CurrentProblems = append(tc.CurrentProblems, clip(m.Content, problemChars))
		}
	}
	return tc
}

// fallbackSummary is used when no model synopsis is available.
func fallbackSummary(msgs []llm.Message, pc PreservedContext) string {
	var parts []string
	if langs := pc.UserPreferences.CodingLanguages; len(langs) > 0 {
		parts = append(parts, "User interested in: "+strings.Join(langs, ", "))
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			parts = append(parts, "Recent topic: "+clip(msgs[i].Content, 50)+"...")
			break
		}
	}
	if problems := pc.TechnicalContext.CurrentProblems; len(problems) > 0 {
		parts = append(parts, "Current issue: "+clip(problems[len(problems)-1], 50)+"...")
	}
	if len(parts) == 0 {
		return "Conversation summary generated from preserved context."
	}
	return strings.Join(parts, " | ")
}

func previewLines(msgs []llm.Message) string {
	if len(msgs) > previewCount {
		msgs = msgs[len(msgs)-previewCount:]
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, strings.ToUpper(string(m.Role))+": "+clip(m.Content, previewChars)+"...")
	}
	return strings.Join(lines, "\n")
}

type orderedSet struct {
	seen  map[string]bool
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: map[string]bool{}, items: []string{}}
}

func (s *orderedSet) add(v string) {
	if s.seen[v] {
		return
	}
	s.seen[v] = true
	s.items = append(s.items, v)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// clip returns at most n runes of s.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func isoTime(m llm.Message) string {
	return m.Timestamp.UTC().Format("2006-01-02T15:04:05.000000")
}
