// Package protocol
// Author: momentics <momentics@gmail.com>
//
// HTTP wire protocol constants

package protocol

const (
	// BufMaxSize is the parser's accumulation buffer capacity. A start
	// line, header line or chunk size line must fit in it.
	BufMaxSize = 1024

	// FileChunkSize is the read size used when streaming files.
	FileChunkSize = 4096

	CRLF            = "\r\n"
	HeaderSeparator = ": "

	HeaderContentLength    = "content-length"
	HeaderContentType      = "content-type"
	HeaderTransferEncoding = "transfer-encoding"
	HeaderConnection       = "connection"
	HeaderRange            = "range"
	HeaderHost             = "host"

	HTTP11 = "HTTP/1.1"

	// Boundary separates the parts of a multipart/byteranges body.
	Boundary = "BOUNDARY_STRING"
)

// Request methods.
const (
	MethodGet     = "GET"
	MethodHead    = "HEAD"
	MethodPost    = "POST"
	MethodPut     = "PUT"
	MethodDelete  = "DELETE"
	MethodPatch   = "PATCH"
	MethodOptions = "OPTIONS"
	MethodConnect = "CONNECT"
	MethodTrace   = "TRACE"
)
