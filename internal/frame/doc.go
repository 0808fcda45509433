// Package frame implements the UBP wire format spoken by the peripheral:
// SLIP-delimited, byte-stuffed packets carrying a 2-byte identifier, a flags
// byte, a payload and a trailing CRC-8.
//
// The Decoder reassembles packets from notification fragments of arbitrary
// size. It keeps only the bytes following the last END marker between calls,
// so memory stays bounded for any stream of well-formed frames.
//
// Packet layout (before escaping):
//
//	[id lo][id hi][flags][payload ...][crc8]
//
// The checksum is CRC-8/MAXIM over identifier, flags and payload.
package frame
