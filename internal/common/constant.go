package common

// Wire header names shared by the chunk transport client and the upload server.
const (
	HeaderAuthorization = "Authorization"
	HeaderChunkIndex    = "X-Chunk-Index"
	HeaderFileName      = "X-File-Name"

	// Present only on encrypted chunks.
	HeaderSessionID  = "X-Session-Id"
	HeaderKeyID      = "X-Key-Id"
	HeaderWrappedKey = "X-Wrapped-Key"

	ContentTypeOctetStream = "application/octet-stream"
	ContentTypeJSON        = "application/json"
)
