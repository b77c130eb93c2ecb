// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Implements the HTTP/1.1 wire format for hioload-http as pure state
// machines with no I/O of their own.
//
// Includes:
//   - Incremental request/response parser resuming across arbitrary reads
//   - Content-Length and chunked transfer-encoding bodies
//   - Start-line, header and chunk encoders appending to caller buffers
//   - Range header parsing and multipart/byteranges part framing
package protocol
