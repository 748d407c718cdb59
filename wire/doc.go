// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2025 The spvnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package wire implements the bitcoin wire protocol.

For the complete details of the bitcoin protocol, see the official wiki entry
at https://en.bitcoin.it/wiki/Protocol_specification.

At a high level, this package provides support for marshalling and
unmarshalling supported bitcoin messages to and from the wire.  This package
does not deal with the specifics of message handling such as what to do when
a message is received.  This provides the caller with a high level of
flexibility.

# Bitcoin Message Overview

The bitcoin protocol consists of exchanging messages between peers.  Each
message is preceded by a header which identifies information about it such as
which bitcoin network it is a part of, its type, how big it is, and a checksum
to verify validity.  All encoding and decoding of message headers is handled by
this package.

To accomplish this, there is a generic interface for bitcoin messages named
Message which allows messages of any type to be read, written, or passed around
through channels, functions, etc.  In addition, concrete implementations of
most of the currently supported bitcoin messages are provided.  For these
supported messages, all of the details of marshalling and unmarshalling to and
from the wire using bitcoin encoding are handled so the caller doesn't have to
concern themselves with the specifics.

# Reading Messages

There are two approaches to reading messages.  The ReadMessage family of
functions works against an io.Reader and blocks until a full message has been
read.  The DecodeMessage function instead works against a byte buffer that is
filled by the caller and is tolerant of partial frames, returning a nil
message with zero bytes consumed until enough bytes are present.  The latter
is the natural fit for use directly on a non-blocking TCP receive buffer.

# Errors

Errors returned by this package are either the raw errors provided by
underlying calls to read/write from streams such as io.EOF, io.ErrUnexpectedEOF,
and io.ErrShortWrite, or of type wire.MessageError.  This allows the caller to
differentiate between general IO errors and malformed messages through type
assertions.
*/
package wire
