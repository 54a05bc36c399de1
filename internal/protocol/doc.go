// Package protocol defines the message catalogue exchanged between the router,
// simulation workers and clients.
//
// Every frame body starts with a one-byte Type tag followed by the schema of
// that type, encoded with Kafka primitives from franz-go's kbin package:
// big-endian integers, int16-length strings, int32-length byte arrays and
// int32 array lengths.
//
// Usage:
//
//	// Encoding
//	frame := protocol.Encode(&protocol.ClientAssign{ClientID: "c-1"})
//
//	// Decoding
//	msg, err := protocol.Decode(frame)
//	if err != nil {
//		return err
//	}
//	if assign, ok := msg.(*protocol.ClientAssign); ok {
//		// use assign.ClientID
//	}
//
// Byte fields returned by Decode alias the input frame. The router relies on
// this to forward observation bytes without copying or re-serializing them.
package protocol
