package util

// Ptr returns a pointer to v. Submission specs model optional overrides as
// pointer fields, and this keeps literal values usable in one expression.
func Ptr[T any](v T) *T {
	return &v
}
