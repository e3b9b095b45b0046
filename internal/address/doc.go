// Package address defines the portable peer address of a quarry vat and
// the token format used to hand it to another process out of band.
//
// A PeerAddress names a network endpoint (host and port) plus the vat id the
// transport minted when it bound that endpoint. The master prints its own
// address as a token at startup; operators pass that token to every slave.
//
// # Token format
//
// The address is packed with the protobuf wire format (host = 1, port = 2,
// vat id = 3), framed with the snappy framing format, whose chunks carry a
// masked CRC-32C of their payload, and finally encoded as unpadded URL-safe
// base64. The packed form is limited to MaxPackedSize bytes.
//
// Tokens carry no version. Decode rejects anything Encode could not have
// produced, so a token damaged in transit fails with ErrMalformedAddress
// instead of silently naming another endpoint.
//
// # Usage
//
//	token, err := address.Encode(net.Self())
//	...
//	peer, err := address.Decode(token)
//	if errors.Is(err, address.ErrMalformedAddress) {
//	    // operator pasted a bad token
//	}
package address
