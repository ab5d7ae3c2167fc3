package sharedhost

import (
	"time"

	"github.com/relayhub/relayhub/pkg/config"
	"github.com/relayhub/relayhub/pkg/envelope"
)

// TabInitPayload is TAB_INIT's payload from spec.md §4.2.
type TabInitPayload struct {
	Identity    envelope.Identity
	IsVisible   bool
	Config      config.Config
	IdleTimeout time.Duration
}

// TabVisibilityPayload is TAB_VISIBILITY's payload.
type TabVisibilityPayload struct {
	IsVisible bool
}

// TabSendPayload is TAB_SEND's payload.
type TabSendPayload struct {
	Data any
}

// TabRegisterCallbackPayload is TAB_REGISTER_CALLBACK's payload.
type TabRegisterCallbackPayload struct {
	Type       string
	CallbackID string
}

// TabUnregisterCallbackPayload is TAB_UNREGISTER_CALLBACK's payload.
// CallbackID empty means "remove every callback for Type".
type TabUnregisterCallbackPayload struct {
	Type       string
	CallbackID string
}

// TabForceResetPayload is TAB_FORCE_RESET's payload.
type TabForceResetPayload struct {
	Reason string
}

// TabForceShutdownPayload is TAB_FORCE_SHUTDOWN's payload.
type TabForceShutdownPayload struct {
	Reason string
}

// WorkerMessagePayload is WORKER_MESSAGE's payload. Seq is a
// monotonically-sortable identifier the host stamps on ingestion, so a
// tab that receives a replayed lastMessageByType entry after a live
// broadcast for the same type can tell which one is newer.
type WorkerMessagePayload struct {
	OriginalFrame []byte
	Envelope      envelope.Envelope
	Seq           string
}

// WorkerErrorPayload is WORKER_ERROR's payload.
type WorkerErrorPayload struct {
	Message string
	Detail  string
}

// WorkerAuthConflictPayload is WORKER_AUTH_CONFLICT's payload.
type WorkerAuthConflictPayload struct {
	CurrentUserID string
	NewUserID     string
	Explanation   string
}
