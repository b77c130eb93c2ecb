// File: protocol/status.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

// Status codes used by the engine and its handlers.
const (
	StatusContinue            = 100
	StatusSwitchingProtocols  = 101
	StatusOK                  = 200
	StatusCreated             = 201
	StatusAccepted            = 202
	StatusNoContent           = 204
	StatusPartialContent      = 206
	StatusMovedPermanently    = 301
	StatusFound               = 302
	StatusSeeOther            = 303
	StatusNotModified         = 304
	StatusTemporaryRedirect   = 307
	StatusPermanentRedirect   = 308
	StatusBadRequest          = 400
	StatusUnauthorized        = 401
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusMethodNotAllowed    = 405
	StatusRequestTimeout      = 408
	StatusConflict            = 409
	StatusLengthRequired      = 411
	StatusPayloadTooLarge     = 413
	StatusURITooLong          = 414
	StatusRangeNotSatisfiable = 416
	StatusTooManyRequests     = 429
	StatusHeaderTooLarge      = 431
	StatusInternalServerError = 500
	StatusNotImplemented      = 501
	StatusBadGateway          = 502
	StatusServiceUnavailable  = 503
	StatusGatewayTimeout      = 504
	StatusVersionNotSupported = 505
)

var statusText = map[int]string{
	StatusContinue:            "Continue",
	StatusSwitchingProtocols:  "Switching Protocols",
	StatusOK:                  "OK",
	StatusCreated:             "Created",
	StatusAccepted:            "Accepted",
	StatusNoContent:           "No Content",
	StatusPartialContent:      "Partial Content",
	StatusMovedPermanently:    "Moved Permanently",
	StatusFound:               "Found",
	StatusSeeOther:            "See Other",
	StatusNotModified:         "Not Modified",
	StatusTemporaryRedirect:   "Temporary Redirect",
	StatusPermanentRedirect:   "Permanent Redirect",
	StatusBadRequest:          "Bad Request",
	StatusUnauthorized:        "Unauthorized",
	StatusForbidden:           "Forbidden",
	StatusNotFound:            "Not Found",
	StatusMethodNotAllowed:    "Method Not Allowed",
	StatusRequestTimeout:      "Request Timeout",
	StatusConflict:            "Conflict",
	StatusLengthRequired:      "Length Required",
	StatusPayloadTooLarge:     "Payload Too Large",
	StatusURITooLong:          "URI Too Long",
	StatusRangeNotSatisfiable: "Range Not Satisfiable",
	StatusTooManyRequests:     "Too Many Requests",
	StatusHeaderTooLarge:      "Request Header Fields Too Large",
	StatusInternalServerError: "Internal Server Error",
	StatusNotImplemented:      "Not Implemented",
	StatusBadGateway:          "Bad Gateway",
	StatusServiceUnavailable:  "Service Unavailable",
	StatusGatewayTimeout:      "Gateway Timeout",
	StatusVersionNotSupported: "HTTP Version Not Supported",
}

// StatusText returns the reason phrase for code, or "Unknown".
func StatusText(code int) string {
	if s, ok := statusText[code]; ok {
		return s
	}
	return "Unknown"
}
