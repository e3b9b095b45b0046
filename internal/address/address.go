package address

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/golang/snappy"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxPackedSize bounds the packed form of an address, before framing and
// text encoding. Every address that passes Validate fits.
const MaxPackedSize = 256

// ErrMalformedAddress is returned when a token cannot be decoded into a
// structurally valid PeerAddress.
var ErrMalformedAddress = errors.New("malformed peer address")

const (
	fieldHost protowire.Number = 1
	fieldPort protowire.Number = 2
	fieldVat  protowire.Number = 3
)

var (
	validate = validator.New()
	encoding = base64.RawURLEncoding.Strict()
)

// PeerAddress identifies a vat endpoint: where to dial and which vat to
// expect on the other side.
type PeerAddress struct {
	Host  string `json:"host" validate:"required,max=200,hostname_rfc1123|ip"`
	Port  uint16 `json:"port" validate:"required"`
	VatID string `json:"vat_id" validate:"required,uuid"`
}

// Validate checks that a is structurally usable.
func (a PeerAddress) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("invalid peer address: %w", err)
	}
	return nil
}

// HostPort returns the dialable "host:port" form.
func (a PeerAddress) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

func (a PeerAddress) String() string {
	return a.HostPort() + "/" + a.VatID
}

// Encode packs a into a printable token suitable for a command-line
// argument. The result is deterministic for a given address.
func Encode(a PeerAddress) (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}

	packed := pack(a)
	if len(packed) > MaxPackedSize {
		return "", fmt.Errorf("packed address is %d bytes, limit %d", len(packed), MaxPackedSize)
	}

	var framed bytes.Buffer
	w := snappy.NewBufferedWriter(&framed)
	if _, err := w.Write(packed); err != nil {
		return "", fmt.Errorf("frame address: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("frame address: %w", err)
	}
	return encoding.EncodeToString(framed.Bytes()), nil
}

// Decode is the inverse of Encode. Every failure wraps ErrMalformedAddress.
func Decode(token string) (PeerAddress, error) {
	if token == "" {
		return PeerAddress{}, fmt.Errorf("%w: empty token", ErrMalformedAddress)
	}
	// The base64 decoder silently skips line breaks.
	if strings.ContainsAny(token, "\r\n") {
		return PeerAddress{}, fmt.Errorf("%w: line break in token", ErrMalformedAddress)
	}

	framed, err := encoding.DecodeString(token)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("%w: %v", ErrMalformedAddress, err)
	}

	r := snappy.NewReader(bytes.NewReader(framed))
	packed, err := io.ReadAll(io.LimitReader(r, MaxPackedSize+1))
	if err != nil {
		return PeerAddress{}, fmt.Errorf("%w: %v", ErrMalformedAddress, err)
	}
	if len(packed) > MaxPackedSize {
		return PeerAddress{}, fmt.Errorf("%w: packed form exceeds %d bytes", ErrMalformedAddress, MaxPackedSize)
	}

	a, err := unpack(packed)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("%w: %v", ErrMalformedAddress, err)
	}
	if err := a.Validate(); err != nil {
		return PeerAddress{}, fmt.Errorf("%w: %v", ErrMalformedAddress, err)
	}
	return a, nil
}

func pack(a PeerAddress) []byte {
	b := make([]byte, 0, 64)
	b = protowire.AppendTag(b, fieldHost, protowire.BytesType)
	b = protowire.AppendString(b, a.Host)
	b = protowire.AppendTag(b, fieldPort, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Port))
	b = protowire.AppendTag(b, fieldVat, protowire.BytesType)
	b = protowire.AppendString(b, a.VatID)
	return b
}

// unpack accepts exactly the layout pack produces: each field once, in
// ascending field order, nothing else.
func unpack(b []byte) (PeerAddress, error) {
	var (
		a    PeerAddress
		last protowire.Number
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return PeerAddress{}, protowire.ParseError(n)
		}
		b = b[n:]
		if num <= last {
			return PeerAddress{}, fmt.Errorf("field %d out of order", num)
		}
		last = num

		switch num {
		case fieldHost, fieldVat:
			if typ != protowire.BytesType {
				return PeerAddress{}, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
			}
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return PeerAddress{}, protowire.ParseError(n)
			}
			b = b[n:]
			if num == fieldHost {
				a.Host = v
			} else {
				a.VatID = v
			}
		case fieldPort:
			if typ != protowire.VarintType {
				return PeerAddress{}, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return PeerAddress{}, protowire.ParseError(n)
			}
			b = b[n:]
			if v > 0xffff {
				return PeerAddress{}, fmt.Errorf("port %d out of range", v)
			}
			a.Port = uint16(v)
		default:
			return PeerAddress{}, fmt.Errorf("unknown field %d", num)
		}
	}
	return a, nil
}
