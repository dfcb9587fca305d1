package session

import "errors"

// ErrTransportClosed is returned by a Transport once either side has closed it
var ErrTransportClosed = errors.New("transport closed")

// Transport moves whole frames to and from the client. ReadMessage is only
// called from the session's reader goroutine and WriteMessage only from the
// session loop. Close must unblock a pending ReadMessage.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}
