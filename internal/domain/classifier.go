package domain

// Classifier labels task content. Implementations must fall back to Write when unsure.
type Classifier interface {
	Classify(content string) TaskType
}
