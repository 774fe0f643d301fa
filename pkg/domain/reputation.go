package domain

// ReputationScore is an anonymized, aggregate-only signal derived from local
// metrics and eligible for peer exchange. It must never carry raw interaction
// timestamps or content payload; windows are bucket-aligned, not event times.
type ReputationScore struct {
	Subject    string  `json:"subject"`
	Score      float64 `json:"score"` // bounded to [-1, 1]
	Window     Window  `json:"window"`
	Confidence float64 `json:"confidence"` // bounded to [0, 1]
}
