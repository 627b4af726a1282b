package interfaces

import "context"

// OCRPollResult is the outcome of polling an in-flight async OCR operation.
type OCRPollResult struct {
	Done        bool
	ShardPrefix string // blob prefix holding output shards, valid when Done
}

// OCRProvider is the external OCR collaborator, offering a synchronous tier
// for short documents and an asynchronous submit/poll tier for longer ones.
type OCRProvider interface {
	// ExtractSync runs OCR on blobPath inline and returns the extracted text.
	// Used when pageCount is within the sync tier's threshold.
	ExtractSync(ctx context.Context, blobPath string, regionalHints []string) (text string, err error)

	// SubmitAsync starts a long-running OCR operation against blobPath,
	// writing shards under outputPrefix, and returns an opaque operation
	// handle that can be polled or resumed after a crash.
	SubmitAsync(ctx context.Context, blobPath, outputPrefix string, regionalHints []string) (operationName string, err error)

	// PollAsync checks an in-flight operation's status.
	PollAsync(ctx context.Context, operationName string) (OCRPollResult, error)
}

// LLMProvider is an external structured-extraction collaborator (primary or
// fallback). It returns the raw model reply text for the tolerant invoice
// parser to interpret — the provider itself does no JSON validation.
type LLMProvider interface {
	Extract(ctx context.Context, documentText, promptVersion string) (rawReply string, err error)
}

// TaskDispatcher enqueues lifecycle-engine work, either in-process
// (emulation) or via an HTTP-POST task queue signed with an OIDC identity
// token.
type TaskDispatcher interface {
	// Dispatch schedules processing of (jobID, sessionID). emulated reports
	// whether the in-process emulation path was used (surfaced to the
	// client as a "note" on the upload response).
	Dispatch(ctx context.Context, jobID, sessionID string) (emulated bool, err error)
}
