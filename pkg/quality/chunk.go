package quality

// ChunkMessage is the minimal view of a message the chunk gate needs.
type ChunkMessage struct {
	Role    string
	Content string
}

// ChunkVerdict is the gate decision for a message chunk.
type ChunkVerdict struct {
	WorthCall    bool    `json:"worthCall"`
	QualityRatio float64 `json:"qualityRatio"` // share of messages scoring >= 3
	TotalWords   int     `json:"totalWords"`
	MeanScore    float64 `json:"meanScore"` // mean over quality messages only
}

// ChunkScore decides whether a chunk justifies an extraction or
// summarization API call. All three gates must pass: at least 30% of
// messages score >= 3, total word count >= 50, and the quality messages
// average >= 3. This is the sole guard keeping silent-chat noise from
// burning API budget.
func ChunkScore(messages []ChunkMessage) ChunkVerdict {
	if len(messages) == 0 {
		return ChunkVerdict{}
	}

	var (
		totalWords   int
		qualityCount int
		qualitySum   float64
	)
	for _, m := range messages {
		s := MessageScore(m.Role, m.Content)
		totalWords += s.WordCount
		if s.Score >= 3 {
			qualityCount++
			qualitySum += s.Score
		}
	}

	ratio := float64(qualityCount) / float64(len(messages))
	mean := 0.0
	if qualityCount > 0 {
		mean = qualitySum / float64(qualityCount)
	}

	return ChunkVerdict{
		WorthCall:    ratio >= 0.3 && totalWords >= 50 && mean >= 3,
		QualityRatio: ratio,
		TotalWords:   totalWords,
		MeanScore:    mean,
	}
}

// AdaptiveChunkSize tunes the summarization chunk size to recent content.
// Dense roleplay (avg score >= 7 and avg words >= 100) shrinks the chunk to
// summarize more often; sparse chatter grows it. Bounds are [6, 15].
func AdaptiveChunkSize(recent []ChunkMessage, base int) int {
	if base <= 0 {
		base = 10
	}
	if len(recent) == 0 {
		return clampChunk(base)
	}

	var scoreSum float64
	var wordSum int
	for _, m := range recent {
		s := MessageScore(m.Role, m.Content)
		scoreSum += s.Score
		wordSum += s.WordCount
	}
	avgScore := scoreSum / float64(len(recent))
	avgWords := float64(wordSum) / float64(len(recent))

	switch {
	case avgScore >= 7 && avgWords >= 100:
		return 6
	case avgScore < 3 || avgWords < 25:
		return 15
	default:
		return clampChunk(base)
	}
}

func clampChunk(n int) int {
	if n < 6 {
		return 6
	}
	if n > 15 {
		return 15
	}
	return n
}
