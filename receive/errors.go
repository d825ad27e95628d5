package receive

import "errors"

var (
	// ErrAlreadyProcessed means the envelope was delivered before. It is expected and logged at debug level.
	ErrAlreadyProcessed         = errors.New("receive: already processed")
	ErrMissingDecryptedContent  = errors.New("receive: missing decrypted content")
	ErrDisconnectedConversation = errors.New("receive: conversation is disconnected")
	ErrUnauthorizedMutation     = errors.New("receive: sender may not make this change")
	ErrMissingRoutingTarget     = errors.New("receive: no conversation for routing id")
)
