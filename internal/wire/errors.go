package wire

import "errors"

var (
	ErrNilMessage      = errors.New("wire: cannot encode a nil message")
	ErrPayloadTooLarge = errors.New("wire: encoded message exceeds max datagram size")
)
