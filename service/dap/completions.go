package dap

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/derekparker/trie"
	"github.com/google/go-dap"
)

func newNameTrie() *trie.Trie {
	return trie.New()
}

// onCompletionsRequest completes the word before the cursor in the debug
// console from the variable names listed since the program last stopped,
// or from the console commands after "dbgp ".
func (s *Session) onCompletionsRequest(request *dap.CompletionsRequest) {
	text := request.Arguments.Text
	col := request.Arguments.Column - 1
	if col < 0 || col > len(text) {
		col = len(text)
	}
	text = text[:col]

	var candidates []string
	typ := dap.CompletionItemType("variable")
	if strings.HasPrefix(text, bridgeCommandPrefix) && !strings.Contains(strings.TrimPrefix(text, bridgeCommandPrefix), " ") {
		commands := trie.New()
		for _, cmd := range bridgeCommands(s) {
			for _, alias := range cmd.aliases {
				commands.Add(alias, nil)
			}
		}
		candidates = commands.PrefixSearch(strings.TrimPrefix(text, bridgeCommandPrefix))
		typ = "keyword"
	} else {
		word := lastWord(text)
		if word != "" {
			candidates = s.names.PrefixSearch(word)
		}
	}

	sort.Strings(candidates)
	targets := make([]dap.CompletionItem, 0, len(candidates))
	for _, c := range candidates {
		targets = append(targets, dap.CompletionItem{Label: c, Type: typ})
	}
	s.send(&dap.CompletionsResponse{
		Response: *newResponse(request.Request),
		Body:     dap.CompletionsResponseBody{Targets: targets},
	})
}

// lastWord returns the identifier that ends text.
func lastWord(text string) string {
	i := strings.LastIndexFunc(text, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '$' || r == '#' || r == '@')
	})
	if i < 0 {
		return text
	}
	_, size := utf8.DecodeRuneInString(text[i:])
	return text[i+size:]
}
