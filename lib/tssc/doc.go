// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tssc implements the Time-Series Special Compression codec
// used for GEP data packets.
//
// A block is a bit stream (most significant bit first) of measurement
// tuples (point index, timestamp, quality, value) terminated by an
// end-of-block code and padded to a byte boundary. Both sides keep the
// same prediction state for each point index (previous timestamp,
// quality and value bits), a 64-slot table of recently used indices,
// and the timestamp most recently written to the block. Each field is
// coded against that state:
//
//	point index   0 sss sss          hit in slot s of the recent table
//	              10 + 16 bits       miss; index enters the table round-robin
//	              11                 end of block
//	timestamp     64 bits            first time the point appears in the block
//	              00                 same as the point's previous timestamp
//	              01                 previous + 1 tick
//	              10                 same as the block's last timestamp
//	              11 + 6 + n bits    zig-zag delta from the previous timestamp
//	quality       32 bits            first appearance
//	              0 / 1 + 32 bits    unchanged / new value
//	value         32 bits            first appearance
//	              0                  same bits as previous
//	              1 + 5 + 5 + m bits XOR with previous: leading zeros,
//	                                 trailing zeros, significant bits
//
// State resets at every block boundary, so blocks decode
// independently. Encoder and Decoder are single-goroutine objects.
package tssc
