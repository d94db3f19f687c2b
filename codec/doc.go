// Package codec converts application values to and from message bodies.
//
// Every codec is a stateless value that is safe for concurrent use. The
// request and reply sides of a call are configured independently, so a call
// may send JSON and receive plain text:
//
//	enc := codec.JSON[Scores]{}
//	dec := codec.String{}
//
// Encoders reject values they were not declared for instead of coercing
// them, and decoders treat any parse failure as malformed input.
package codec
