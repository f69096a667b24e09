package detect

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	sentenceRe   = regexp.MustCompile(`[.!?]+`)
	wordRe       = regexp.MustCompile(`[\p{L}\p{N}_]+`)
)

// DetectText scores a text artifact using statistical signals: a
// pseudo-perplexity from the word distribution, burstiness of sentence
// lengths, vocabulary richness, and trigram repetition.
func (d *Detector) DetectText(text string) Result {
	cleaned := strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
	sentences := splitSentences(cleaned)
	words := wordRe.FindAllString(strings.ToLower(cleaned), -1)

	perplexity := pseudoPerplexity(words)
	burstiness := sentenceBurstiness(sentences)
	vocabRichness := vocabularyRichness(words)
	avgSentenceLen := averageSentenceLength(sentences)
	repetition := repetitionScore(words)

	prob, model := combineTextSignals(perplexity, burstiness, vocabRichness, avgSentenceLen, repetition)

	return Result{
		Probability:     prob,
		ModelPrediction: model,
		Signals: map[string]any{
			"perplexity":              perplexity,
			"burstiness":              burstiness,
			"vocabulary_richness":     vocabRichness,
			"average_sentence_length": avgSentenceLen,
			"repetition_score":        repetition,
		},
		Explanation: explainText(prob, perplexity, burstiness),
	}
}

func splitSentences(text string) []string {
	parts := sentenceRe.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// pseudoPerplexity is 2^H over the word unigram distribution. Lower values
// mean more predictable text.
func pseudoPerplexity(words []string) float64 {
	if len(words) < 10 {
		return 50.0
	}
	counts := map[string]int{}
	for _, w := range words {
		counts[w]++
	}
	total := float64(len(words))
	entropy := 0.0
	for _, c := range counts {
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return math.Round(math.Exp2(entropy)*100) / 100
}

func sentenceBurstiness(sentences []string) float64 {
	if len(sentences) < 3 {
		return 0.5
	}
	lengths := make([]float64, len(sentences))
	sum := 0.0
	for i, s := range sentences {
		lengths[i] = float64(len(strings.Fields(s)))
		sum += lengths[i]
	}
	mean := sum / float64(len(lengths))
	if mean == 0 {
		return 0.5
	}
	variance := 0.0
	for _, l := range lengths {
		variance += (l - mean) * (l - mean)
	}
	std := math.Sqrt(variance / float64(len(lengths)))
	return math.Round(math.Min(1.0, std/mean/0.8)*1000) / 1000
}

func vocabularyRichness(words []string) float64 {
	if len(words) < 10 {
		return 0.5
	}
	unique := map[string]struct{}{}
	for _, w := range words {
		unique[w] = struct{}{}
	}
	richness := float64(len(unique)) / math.Sqrt(float64(len(words)))
	return math.Round(math.Min(1.0, richness/10)*1000) / 1000
}

func averageSentenceLength(sentences []string) float64 {
	if len(sentences) == 0 {
		return 0
	}
	sum := 0
	for _, s := range sentences {
		sum += len(strings.Fields(s))
	}
	return math.Round(float64(sum)/float64(len(sentences))*10) / 10
}

func repetitionScore(words []string) float64 {
	if len(words) < 10 {
		return 0
	}
	counts := map[string]int{}
	total := 0
	for i := 0; i+2 < len(words); i++ {
		counts[words[i]+" "+words[i+1]+" "+words[i+2]]++
		total++
	}
	if total == 0 {
		return 0
	}
	repeated := 0
	for _, c := range counts {
		if c > 1 {
			repeated++
		}
	}
	rate := float64(repeated) / float64(total)
	return math.Round(math.Min(1.0, rate*10)*1000) / 1000
}

func combineTextSignals(perplexity, burstiness, vocabRichness, avgSentenceLen, repetition float64) (float64, *string) {
	signals := make([]float64, 0, 4)
	weights := make([]float64, 0, 4)

	switch {
	case perplexity > 5 && perplexity < 30:
		signals = append(signals, 0.7)
	case perplexity <= 5:
		signals = append(signals, 0.5)
	default:
		signals = append(signals, 0.3)
	}
	weights = append(weights, 0.35)

	switch {
	case burstiness < 0.3:
		signals = append(signals, 0.8)
	case burstiness < 0.5:
		signals = append(signals, 0.5)
	default:
		signals = append(signals, 0.2)
	}
	weights = append(weights, 0.30)

	if vocabRichness > 0.3 && vocabRichness < 0.6 {
		signals = append(signals, 0.6)
	} else {
		signals = append(signals, 0.4)
	}
	weights = append(weights, 0.15)

	if repetition > 0.3 {
		signals = append(signals, 0.7)
	} else {
		signals = append(signals, 0.3)
	}
	weights = append(weights, 0.20)

	totalWeight := 0.0
	for _, w := range weights {
		totalWeight += w
	}
	prob := 0.0
	for i := range signals {
		prob += signals[i] * weights[i] / totalWeight
	}
	prob = math.Round(prob*1000) / 1000

	var model *string
	if prob > 0.5 {
		switch {
		case avgSentenceLen > 20 && burstiness < 0.4:
			model = strptr("gpt-4")
		case avgSentenceLen > 15:
			model = strptr("claude")
		default:
			model = strptr("gpt-3.5")
		}
	}
	return clip01(prob), model
}

func explainText(prob, perplexity, burstiness float64) string {
	verdict := "likely human-written"
	if prob > 0.5 {
		verdict = "likely AI-generated"
	}
	level := "low"
	if prob > 0.75 {
		level = "high"
	} else if prob > 0.5 {
		level = "moderate"
	}

	var reasons []string
	if perplexity < 25 {
		reasons = append(reasons, "predictable word patterns")
	}
	if burstiness < 0.4 {
		reasons = append(reasons, "uniform sentence structure")
	}
	if perplexity > 40 {
		reasons = append(reasons, "varied and unpredictable text")
	}
	if burstiness > 0.6 {
		reasons = append(reasons, "natural variation in sentence complexity")
	}
	reasonText := "mixed signals"
	if len(reasons) > 0 {
		reasonText = strings.Join(reasons, ", ")
	}
	return fmt.Sprintf("Text appears %s (%s confidence). Key indicators: %s.", verdict, level, reasonText)
}
