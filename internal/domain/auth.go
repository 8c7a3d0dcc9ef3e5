package domain

// SubjectType differentiates token holders and event actors.
type SubjectType string

const (
	SubjectTypeAgent   SubjectType = "AGENT"
	SubjectTypeVisitor SubjectType = "VISITOR"
	SubjectTypeSystem  SubjectType = "SYSTEM"
)
