// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxPayloadLength bounds every frame payload.
const MaxPayloadLength = 16 * 1024 * 1024

const (
	commandHeaderLength  = 5
	responseHeaderLength = 6
)

// ErrPayloadTooLarge reports a frame whose declared or actual payload
// exceeds MaxPayloadLength. A reader that sees it must drop the
// connection: the stream cannot be resynchronized.
var ErrPayloadTooLarge = errors.New("protocol: payload exceeds maximum length")

// Command is one subscriber-to-publisher frame.
type Command struct {
	Code    CommandCode
	Payload []byte
}

// Response is one publisher-to-subscriber frame.
type Response struct {
	Code         ResponseCode
	InResponseTo CommandCode
	Payload      []byte
}

// CommandError is the structured form of a Failed response: which
// command failed and the publisher's diagnostic.
type CommandError struct {
	Command CommandCode
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Command, e.Message)
}

// AppendCommand appends the framed command to dst.
func AppendCommand(dst []byte, command Command) ([]byte, error) {
	if len(command.Payload) > MaxPayloadLength {
		return dst, fmt.Errorf("%w: %s payload is %d bytes", ErrPayloadTooLarge, command.Code, len(command.Payload))
	}
	dst = append(dst, byte(command.Code))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(command.Payload)))
	return append(dst, command.Payload...), nil
}

// WriteCommand writes command to w in a single Write call.
func WriteCommand(w io.Writer, command Command) error {
	frame, err := AppendCommand(make([]byte, 0, commandHeaderLength+len(command.Payload)), command)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write %s: %w", command.Code, err)
	}
	return nil
}

// ReadCommand reads one command frame from r.
func ReadCommand(r io.Reader) (Command, error) {
	var header [commandHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Command{}, fmt.Errorf("read command header: %w", err)
	}
	command := Command{Code: CommandCode(header[0])}
	payload, err := readPayload(r, binary.BigEndian.Uint32(header[1:]))
	if err != nil {
		return Command{}, fmt.Errorf("read %s: %w", command.Code, err)
	}
	command.Payload = payload
	return command, nil
}

// AppendResponse appends the framed response to dst.
func AppendResponse(dst []byte, response Response) ([]byte, error) {
	if len(response.Payload) > MaxPayloadLength {
		return dst, fmt.Errorf("%w: %s payload is %d bytes", ErrPayloadTooLarge, response.Code, len(response.Payload))
	}
	dst = append(dst, byte(response.Code), byte(response.InResponseTo))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(response.Payload)))
	return append(dst, response.Payload...), nil
}

// WriteResponse writes response to w in a single Write call and
// returns the number of bytes written.
func WriteResponse(w io.Writer, response Response) (int, error) {
	frame, err := AppendResponse(make([]byte, 0, responseHeaderLength+len(response.Payload)), response)
	if err != nil {
		return 0, err
	}
	written, err := w.Write(frame)
	if err != nil {
		return written, fmt.Errorf("write %s: %w", response.Code, err)
	}
	return written, nil
}

// ReadResponse reads one response frame from r.
func ReadResponse(r io.Reader) (Response, error) {
	var header [responseHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Response{}, fmt.Errorf("read response header: %w", err)
	}
	response := Response{Code: ResponseCode(header[0]), InResponseTo: CommandCode(header[1])}
	payload, err := readPayload(r, binary.BigEndian.Uint32(header[2:]))
	if err != nil {
		return Response{}, fmt.Errorf("read %s: %w", response.Code, err)
	}
	response.Payload = payload
	return response, nil
}

// FrameLength returns the on-wire size of response.
func (r Response) FrameLength() int { return responseHeaderLength + len(r.Payload) }

func readPayload(r io.Reader, length uint32) ([]byte, error) {
	if length > MaxPayloadLength {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrPayloadTooLarge, length)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("payload: %w", err)
		}
	}
	return payload, nil
}

// StatusResponse builds a Succeeded response carrying a UTF-8 message.
func StatusResponse(command CommandCode, message string) Response {
	return Response{Code: Succeeded, InResponseTo: command, Payload: []byte(message)}
}

// FailedResponse builds a Failed response carrying the diagnostic.
func FailedResponse(command CommandCode, message string) Response {
	return Response{Code: Failed, InResponseTo: command, Payload: []byte(message)}
}

// Err returns the *CommandError a Failed response describes, or nil
// for any other response.
func (r Response) Err() error {
	if r.Code != Failed {
		return nil
	}
	return &CommandError{Command: r.InResponseTo, Message: string(r.Payload)}
}
