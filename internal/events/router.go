package events

import (
	"context"
	"fmt"
)

// Handler has one method per event kind, so an implementation that misses a
// kind does not compile.
type Handler interface {
	OnTaskCreated(ctx context.Context, evt Event) error
	OnSubTaskCreated(ctx context.Context, evt Event) error
	OnTranslationStarted(ctx context.Context, evt Event) error
	OnTranslationCompleted(ctx context.Context, evt Event) error
	OnLLMVerificationStarted(ctx context.Context, evt Event) error
	OnLLMVerificationCompleted(ctx context.Context, evt Event) error
	OnReviewBatchCreated(ctx context.Context, evt Event) error
	OnStudyCreated(ctx context.Context, evt Event) error
	OnStudyPublished(ctx context.Context, evt Event) error
	OnResultsReceived(ctx context.Context, evt Event) error
	OnLLMReverificationStarted(ctx context.Context, evt Event) error
	OnLLMReverificationCompleted(ctx context.Context, evt Event) error
	OnIterationContinuing(ctx context.Context, evt Event) error
	OnSubTaskFinalized(ctx context.Context, evt Event) error
	OnTaskCompleted(ctx context.Context, evt Event) error
}

// Dispatch routes evt to the matching handler method. Unknown kinds return
// ErrUnknownEvent; callers log and ignore it.
func Dispatch(ctx context.Context, h Handler, evt Event) error {
	switch evt.Type {
	case KindTaskCreated:
		return h.OnTaskCreated(ctx, evt)
	case KindSubTaskCreated:
		return h.OnSubTaskCreated(ctx, evt)
	case KindTranslationStarted:
		return h.OnTranslationStarted(ctx, evt)
	case KindTranslationCompleted:
		return h.OnTranslationCompleted(ctx, evt)
	case KindLLMVerificationStarted:
		return h.OnLLMVerificationStarted(ctx, evt)
	case KindLLMVerificationCompleted:
		return h.OnLLMVerificationCompleted(ctx, evt)
	case KindReviewBatchCreated:
		return h.OnReviewBatchCreated(ctx, evt)
	case KindStudyCreated:
		return h.OnStudyCreated(ctx, evt)
	case KindStudyPublished:
		return h.OnStudyPublished(ctx, evt)
	case KindResultsReceived:
		return h.OnResultsReceived(ctx, evt)
	case KindLLMReverificationStarted:
		return h.OnLLMReverificationStarted(ctx, evt)
	case KindLLMReverificationCompleted:
		return h.OnLLMReverificationCompleted(ctx, evt)
	case KindIterationContinuing:
		return h.OnIterationContinuing(ctx, evt)
	case KindSubTaskFinalized:
		return h.OnSubTaskFinalized(ctx, evt)
	case KindTaskCompleted:
		return h.OnTaskCompleted(ctx, evt)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, evt.Type)
	}
}
