package convo

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/Eden-sudo/umebot/pkg/memory"
	"github.com/Eden-sudo/umebot/pkg/provider/embeddings"
)

// ─────────────────────────────────────────────────────────────────────────────
// Knowledge base (lexical retrieval)
// ─────────────────────────────────────────────────────────────────────────────

// QAPair is one question/answer entry of the knowledge base.
type QAPair struct {
	Question string
	Answer   string
}

// KnowledgeBase holds curated Q&A pairs loaded from a JSONL file, with the
// question keywords pre-extracted for scoring. Immutable after loading.
type KnowledgeBase struct {
	pairs    []QAPair
	keywords [][]string
}

// kbRecord covers the two JSONL record shapes the knowledge base accepts:
// a chat-style record with a messages array, or a flat question/answer pair.
type kbRecord struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// LoadKnowledgeBase reads a JSONL knowledge base. Each line is a JSON object
// in one of two shapes:
//
//	{"messages": [{"role": "user", "content": "…"}, {"role": "assistant", "content": "…"}]}
//	{"question": "…", "answer": "…"}
//
// Blank lines are skipped. Lines that parse but yield no question/answer pair
// are skipped with a warning rather than failing the whole file.
func LoadKnowledgeBase(path string, log *slog.Logger) (*KnowledgeBase, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("convo: open knowledge base: %w", err)
	}
	defer f.Close()

	kb := &KnowledgeBase{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec kbRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("convo: knowledge base %s line %d: %w", path, lineNo, err)
		}

		pair, ok := rec.toPair()
		if !ok {
			log.Warn("skipping knowledge base line without question/answer pair",
				"path", path, "line", lineNo)
			continue
		}
		kb.pairs = append(kb.pairs, pair)
		kb.keywords = append(kb.keywords, extractKeywords(pair.Question))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("convo: read knowledge base: %w", err)
	}

	log.Info("knowledge base loaded", "path", path, "pairs", len(kb.pairs))
	return kb, nil
}

// toPair normalises either record shape into a QAPair. Chat-style records use
// the first user message as the question and the first assistant message as
// the answer.
func (r kbRecord) toPair() (QAPair, bool) {
	if r.Question != "" && r.Answer != "" {
		return QAPair{Question: r.Question, Answer: r.Answer}, true
	}
	var p QAPair
	for _, m := range r.Messages {
		switch m.Role {
		case "user":
			if p.Question == "" {
				p.Question = m.Content
			}
		case "assistant":
			if p.Answer == "" {
				p.Answer = m.Content
			}
		}
	}
	return p, p.Question != "" && p.Answer != ""
}

// Len returns the number of Q&A pairs in the knowledge base.
func (kb *KnowledgeBase) Len() int { return len(kb.pairs) }

// ─────────────────────────────────────────────────────────────────────────────
// Keyword extraction and fuzzy scoring
// ─────────────────────────────────────────────────────────────────────────────

// spanishStopWords are filtered out during keyword extraction so scoring keys
// on content-bearing words only.
var spanishStopWords = map[string]bool{
	"que": true, "como": true, "cómo": true, "para": true, "por": true,
	"con": true, "una": true, "uno": true, "unos": true, "unas": true,
	"los": true, "las": true, "del": true, "este": true,
	"esta": true, "esto": true, "estos": true, "estas": true, "ese": true,
	"esa": true, "eso": true, "hay": true, "son": true, "está": true,
	"estás": true, "eres": true, "ser": true, "estar": true, "tiene": true,
	"tienes": true, "tengo": true, "puede": true, "puedes": true,
	"puedo": true, "quiero": true, "quieres": true, "dime": true,
	"cual": true, "cuál": true, "cuando": true, "cuándo": true,
	"donde": true, "dónde": true, "quien": true, "quién": true,
	"porque": true, "muy": true, "más": true, "pero": true, "también": true,
	"sobre": true, "entre": true, "desde": true, "hasta": true,
	"the": true, "and": true, "what": true, "how": true, "you": true,
}

// extractKeywords lowercases text, strips punctuation, and drops stop words
// and tokens of two characters or fewer.
func extractKeywords(text string) []string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsSpace(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)

	var keywords []string
	for _, tok := range strings.Fields(cleaned) {
		if len([]rune(tok)) <= 2 || spanishStopWords[tok] {
			continue
		}
		keywords = append(keywords, tok)
	}
	return keywords
}

// keywordsMatch reports whether two keywords are the same up to one character
// of edit distance, absorbing typos and STT near-misses.
func keywordsMatch(a, b string) bool {
	if a == b {
		return true
	}
	return matchr.Levenshtein(a, b) <= 1
}

// ScoredPair is a knowledge base hit with its relevance score.
type ScoredPair struct {
	Pair  QAPair
	Score float64
}

// Lookup scores every Q&A pair against the user input and returns the topN
// best matches, highest score first. Pairs with no keyword overlap are
// excluded.
//
// The score rewards both absolute overlap and coverage of the user's
// keywords: |common| × (|common| / |userKeywords|). A pair matching all of a
// short question therefore outranks one matching a small fraction of a long
// one.
func (kb *KnowledgeBase) Lookup(userInput string, topN int) []ScoredPair {
	userKeywords := extractKeywords(userInput)
	if len(userKeywords) == 0 || topN <= 0 {
		return nil
	}

	var scored []ScoredPair
	for i, pairKeywords := range kb.keywords {
		common := 0
		for _, uk := range userKeywords {
			for _, pk := range pairKeywords {
				if keywordsMatch(uk, pk) {
					common++
					break
				}
			}
		}
		if common == 0 {
			continue
		}
		score := float64(common) * (float64(common) / float64(len(userKeywords)))
		scored = append(scored, ScoredPair{Pair: kb.pairs[i], Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topN {
		scored = scored[:topN]
	}
	return scored
}

// ─────────────────────────────────────────────────────────────────────────────
// Semantic recall (optional L2 layer)
// ─────────────────────────────────────────────────────────────────────────────

// semanticRecall embeds the user input and fetches the topK most similar past
// interaction chunks, excluding the conversation currently in progress.
//
// Semantic recall is strictly additive: any failure (embedding or index) is
// logged and an empty result returned, degrading to lexical-only retrieval.
func semanticRecall(
	ctx context.Context,
	embedder embeddings.Provider,
	index memory.SemanticIndex,
	userInput, currentConversationID string,
	topK int,
	log *slog.Logger,
) []memory.ChunkResult {
	if embedder == nil || index == nil || topK <= 0 {
		return nil
	}

	vec, err := embedder.Embed(ctx, userInput)
	if err != nil {
		log.Warn("semantic recall: embedding failed, continuing lexical-only", "error", err)
		return nil
	}

	results, err := index.Search(ctx, vec, topK, memory.ChunkFilter{
		ExcludeConversationID: currentConversationID,
	})
	if err != nil {
		log.Warn("semantic recall: index search failed, continuing lexical-only", "error", err)
		return nil
	}
	return results
}
