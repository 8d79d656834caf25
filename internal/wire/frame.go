// Package wire implements the UDP datagram framing: the magic/frame-id/
// headers preamble (unencrypted, usable as routing and AEAD associated
// data) and the encrypted body carrying reliable and unreliable commands.
package wire

import (
	"encoding/binary"
	"errors"

	"relay/internal/channel"
	"relay/internal/codec"
	"relay/internal/command"
)

// Magic identifies a datagram as belonging to this protocol.
const Magic uint16 = 0xCEE7

// MaxHeaders bounds the header count byte.
const MaxHeaders = 255

var (
	ErrBadMagic         = errors.New("wire: bad magic")
	ErrTooManyHeaders   = errors.New("wire: too many headers")
	ErrFrameTooShort    = errors.New("wire: frame shorter than preamble")
)

// CommandWithChannel pairs a decoded command with the channel it travelled
// on, the unit the in/out-commands collectors operate on.
type CommandWithChannel struct {
	Channel channel.Channel
	Command *command.Command
}

// Frame is one UDP datagram as Decode returns it: headers decoded and body
// decrypted.
type Frame struct {
	FrameID    uint64
	Headers    Headers
	Reliable   []CommandWithChannel
	Unreliable []CommandWithChannel
}

// New returns an empty frame with the given id.
func New(frameID uint64) *Frame {
	return &Frame{FrameID: frameID}
}

// OriginalFrameID returns the id ordered-channel logic should use: the
// Retransmit header's original id when present, else FrameID itself.
func (f *Frame) OriginalFrameID() uint64 {
	if h, ok := f.Headers.First(IsType(HeaderRetransmit)); ok {
		return h.OriginalFrameID
	}
	return f.FrameID
}

// IsReliable reports whether any command in the frame requires
// acknowledgement.
func (f *Frame) IsReliable() bool {
	return len(f.Reliable) > 0
}

// headerSection encodes the frame's unencrypted preamble: magic, frame id,
// header count, and each header. This is also the AEAD associated data.
func headerSection(frameID uint64, headers Headers) []byte {
	out := make([]byte, 0, 32)
	var magicBuf [2]byte
	binary.LittleEndian.PutUint16(magicBuf[:], Magic)
	out = append(out, magicBuf[:]...)

	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], frameID)
	out = append(out, idBuf[:]...)

	out = append(out, byte(len(headers)))
	for _, h := range headers {
		out = encodeHeader(out, h)
	}
	return out
}

// DecodeHeaders parses the unencrypted preamble of a datagram without
// requiring any key material, returning the frame id, headers, and the
// still-encrypted remainder of the datagram.
func DecodeHeaders(datagram []byte) (frameID uint64, headers Headers, adSection, ciphertext []byte, err error) {
	if len(datagram) < 11 {
		return 0, nil, nil, nil, ErrFrameTooShort
	}
	if binary.LittleEndian.Uint16(datagram[0:2]) != Magic {
		return 0, nil, nil, nil, ErrBadMagic
	}
	frameID = binary.LittleEndian.Uint64(datagram[2:10])
	count := int(datagram[10])
	buf := datagram[11:]

	headers = make(Headers, 0, count)
	for i := 0; i < count; i++ {
		var h Header
		h, buf, err = decodeHeader(buf)
		if err != nil {
			return 0, nil, nil, nil, err
		}
		headers = append(headers, h)
	}

	adLen := len(datagram) - len(buf)
	return frameID, headers, datagram[:adLen], buf, nil
}

// Encode builds the full datagram: preamble in the clear, body encrypted
// under c keyed by the member's private key, nonce derived from frameID.
func Encode(c *codec.Cipher, frameID uint64, headers Headers, reliable, unreliable []CommandWithChannel) []byte {
	if len(headers) > MaxHeaders {
		headers = headers[:MaxHeaders]
	}
	ad := headerSection(frameID, headers)

	body := make([]byte, 0, 256)
	body = encodeCommandVec(body, reliable)
	body = encodeCommandVec(body, unreliable)

	var nonce [codec.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:], frameID)
	sealed := c.Encrypt(body, ad, nonce)

	out := make([]byte, 0, len(ad)+len(sealed))
	out = append(out, ad...)
	out = append(out, sealed...)
	return out
}

// Decode fully decrypts and parses a datagram into a Frame. Callers that
// only need to route by MemberPublicKey should use DecodeHeaders instead,
// which needs no key.
func Decode(c *codec.Cipher, datagram []byte) (*Frame, error) {
	frameID, headers, ad, ciphertext, err := DecodeHeaders(datagram)
	if err != nil {
		return nil, err
	}

	var nonce [codec.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:], frameID)
	body, err := c.Decrypt(ciphertext, ad, nonce)
	if err != nil {
		return nil, err
	}

	reliable, rest, err := decodeCommandVec(body)
	if err != nil {
		return nil, err
	}
	unreliable, _, err := decodeCommandVec(rest)
	if err != nil {
		return nil, err
	}

	return &Frame{FrameID: frameID, Headers: headers, Reliable: reliable, Unreliable: unreliable}, nil
}

func encodeCommandVec(out []byte, cmds []CommandWithChannel) []byte {
	out = codec.PutUvarint(out, uint64(len(cmds)))
	ctx := &command.Context{}
	for _, cc := range cmds {
		out = append(out, encodeChannel(cc.Channel)...)
		out = command.Encode(out, cc.Command, ctx)
	}
	return out
}

func decodeCommandVec(buf []byte) ([]CommandWithChannel, []byte, error) {
	count, n, err := codec.Uvarint(buf)
	if err != nil {
		return nil, nil, err
	}
	buf = buf[n:]

	cmds := make([]CommandWithChannel, 0, count)
	ctx := &command.Context{}
	for i := uint64(0); i < count; i++ {
		var ch channel.Channel
		ch, buf, err = decodeChannel(buf)
		if err != nil {
			return nil, nil, err
		}
		var cmd *command.Command
		cmd, buf, err = command.Decode(buf, ctx)
		if err != nil {
			return nil, nil, err
		}
		cmds = append(cmds, CommandWithChannel{Channel: ch, Command: cmd})
	}
	return cmds, buf, nil
}

func encodeChannel(ch channel.Channel) []byte {
	out := []byte{byte(ch.Kind)}
	switch ch.Kind {
	case channel.ReliableOrderedByGroup, channel.UnreliableOrderedByGroup:
		out = codec.PutUvarint(out, uint64(ch.Group))
	case channel.ReliableSequenceByObject:
		out = codec.PutUvarint(out, uint64(ch.Sequence))
	case channel.ReliableSequenceByGroup:
		out = codec.PutUvarint(out, uint64(ch.Group))
		out = codec.PutUvarint(out, uint64(ch.Sequence))
	}
	return out
}

func decodeChannel(buf []byte) (channel.Channel, []byte, error) {
	if len(buf) < 1 {
		return channel.Channel{}, nil, command.ErrTruncated
	}
	kind := channel.Kind(buf[0])
	buf = buf[1:]
	ch := channel.Channel{Kind: kind}
	switch kind {
	case channel.ReliableOrderedByGroup, channel.UnreliableOrderedByGroup:
		g, n, err := codec.Uvarint(buf)
		if err != nil {
			return channel.Channel{}, nil, err
		}
		ch.Group = channel.Group(g)
		buf = buf[n:]
	case channel.ReliableSequenceByObject:
		s, n, err := codec.Uvarint(buf)
		if err != nil {
			return channel.Channel{}, nil, err
		}
		ch.Sequence = channel.Sequence(s)
		buf = buf[n:]
	case channel.ReliableSequenceByGroup:
		g, n, err := codec.Uvarint(buf)
		if err != nil {
			return channel.Channel{}, nil, err
		}
		ch.Group = channel.Group(g)
		buf = buf[n:]
		s, n2, err := codec.Uvarint(buf)
		if err != nil {
			return channel.Channel{}, nil, err
		}
		ch.Sequence = channel.Sequence(s)
		buf = buf[n2:]
	}
	return ch, buf, nil
}
