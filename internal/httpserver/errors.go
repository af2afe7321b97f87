package httpserver

const (
	ErrInvalidJSON      = "invalid json"
	ErrMissingID        = "missing id"
	ErrMissingRecipient = "missing recipient"
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrNotCancelable    = "not cancelable"
	ErrInvalidPayload   = "invalid payload"
)
